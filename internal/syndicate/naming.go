package syndicate

import "github.com/google/uuid"

const (
	maxRemoteNameLength = 100
	remoteNameKeep      = 92
	remoteNameHashLen   = 8
)

// RemoteName computes the remote dataset name for a local name under a
// profile. Names longer than the remote limit keep their first 92 characters
// followed by an 8 character fragment of a name-based UUID of the full
// candidate, so the same input always yields the same output.
func RemoteName(localName string, p *Profile) string {
	name := localName
	if p.NamePrefix != "" {
		name = p.NamePrefix + "-" + localName
	}

	if len(name) > maxRemoteNameLength {
		uniq := uuid.NewMD5(uuid.NameSpaceDNS, []byte(name)).String()
		name = name[:remoteNameKeep] + uniq[:remoteNameHashLen]
	}
	return name
}
