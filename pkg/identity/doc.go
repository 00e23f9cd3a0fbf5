// Package identity loads Apple signing identities and provisioning profiles
// and checks that they belong together.
//
// A signing identity comes from a PKCS#12 file or from a bare PEM private
// key, in which case the certificate is taken from the profile. Profiles are
// CMS signed property lists (.mobileprovision).
//
//	profile, err := identity.ParseProfile(profileData)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := identity.LoadSigningIdentityWithProfile(p12Data, password, profile)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report := identity.Check(id, profile, time.Now())
package identity
