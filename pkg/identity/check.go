package identity

import (
	"crypto/x509"
	"fmt"
	"time"
)

// Report is the outcome of checking a signing identity against a profile.
type Report struct {
	Subject            string    `yaml:"subject"`
	TeamID             string    `yaml:"team_id"`
	ProfileName        string    `yaml:"profile_name"`
	ProfileTeamID      string    `yaml:"profile_team_id"`
	CertificateExpires time.Time `yaml:"certificate_expires"`
	ProfileExpires     time.Time `yaml:"profile_expires"`
	AppleIssued        bool      `yaml:"apple_issued"`
	ApplicationID      string    `yaml:"application_id"`
	Devices            int       `yaml:"devices"`
	AllDevices         bool      `yaml:"all_devices"`

	Problems []string `yaml:"problems,omitempty"`
	Warnings []string `yaml:"warnings,omitempty"`
}

// expiryWarning is how far ahead an upcoming expiry is reported.
const expiryWarning = 30 * 24 * time.Hour

// OK reports whether no problems were found.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

func (r *Report) problem(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// expiresSoon records a warning when expires falls within expiryWarning of
// now. Past dates are problems, not warnings.
func (r *Report) expiresSoon(what string, expires, now time.Time) {
	left := expires.Sub(now)
	if left < 0 || left > expiryWarning {
		return
	}
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s expires soon (%d days)", what, int(left.Hours()/24)))
}

// Check validates that id can sign with profile at now: both must be
// current, the profile must list the certificate and the team IDs must
// agree. Each device UDID must be provisioned by the profile. An identity
// not issued by Apple is reported but not a problem.
func Check(id *SigningIdentity, profile *Profile, now time.Time, devices ...string) *Report {
	r := &Report{
		ProfileName:    profile.Name,
		ProfileTeamID:  profile.TeamID(),
		ProfileExpires: profile.ExpirationDate,
		ApplicationID:  profile.ApplicationIdentifier(),
		Devices:        len(profile.ProvisionedDevices),
		AllDevices:     profile.ProvisionsAllDevices,
	}
	for _, udid := range devices {
		if !profile.DeviceAllowed(udid) {
			r.problem("device %s is not provisioned by the profile", udid)
		}
	}
	r.expiresSoon("profile", profile.ExpirationDate, now)

	cert := id.Certificate
	if cert == nil {
		r.problem("identity has no certificate")
		return r
	}
	r.Subject = cert.Subject.CommonName
	r.TeamID = id.TeamID
	r.CertificateExpires = cert.NotAfter
	r.AppleIssued = appleIssued(cert, id.CertChain)

	if now.Before(cert.NotBefore) {
		r.problem("certificate is not valid until %s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		r.problem("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	r.expiresSoon("certificate", cert.NotAfter, now)
	if profile.Expired(now) {
		r.problem("provisioning profile expired on %s", profile.ExpirationDate.Format(time.RFC3339))
	}
	if !profile.Contains(cert) {
		r.problem("certificate %q is not included in the provisioning profile", r.Subject)
	}
	if r.TeamID != "" && r.ProfileTeamID != "" && r.TeamID != r.ProfileTeamID {
		r.problem("team ID mismatch: certificate %s, profile %s", r.TeamID, r.ProfileTeamID)
	}
	if !profile.SignatureValid {
		r.problem("provisioning profile signature does not verify")
	}
	return r
}

// appleIssued reports whether cert chains to the Apple Root CA through the
// bundled WWDR G3 intermediate or the identity's own intermediates.
func appleIssued(cert *x509.Certificate, chain []*x509.Certificate) bool {
	root, wwdr, err := appleCertificates()
	if err != nil {
		return false
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	intermediates := x509.NewCertPool()
	intermediates.AddCert(wwdr)
	for _, c := range chain {
		if !c.Equal(cert) {
			intermediates.AddCert(c)
		}
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}
