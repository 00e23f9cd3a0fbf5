package identity

import (
	"crypto/x509"
	"fmt"
	"slices"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Profile represents a parsed .mobileprovision file
type Profile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`

	// SignatureValid is set when the CMS envelope verifies against its
	// embedded signer certificate.
	SignatureValid bool `plist:"-"`
}

// ParseProfile parses a .mobileprovision file.
// The file is a CMS (PKCS#7) signed container with a plist payload.
func ParseProfile(data []byte) (*Profile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile Profile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	profile.SignatureValid = p7.Verify() == nil

	return &profile, nil
}

// TeamID returns the team identifier from the profile
func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application identifier from entitlements
func (p *Profile) ApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// Expired reports whether the profile has expired at now.
func (p *Profile) Expired(now time.Time) bool {
	return now.After(p.ExpirationDate)
}

// DeviceAllowed checks if a specific device UDID is allowed by this profile
func (p *Profile) DeviceAllowed(udid string) bool {
	// Enterprise/distribution profiles provision all devices
	if p.ProvisionsAllDevices {
		return true
	}
	return slices.Contains(p.ProvisionedDevices, udid)
}

// Certificates parses the developer certificates embedded in the profile.
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.DeveloperCertificates))
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Contains reports whether cert is one of the profile's developer
// certificates.
func (p *Profile) Contains(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}
