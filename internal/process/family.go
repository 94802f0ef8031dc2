package process

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strings"
)

// Family selects the lsof output layout to parse.
type Family int

const (
	FamilyDefault Family = iota
	FamilyDebian
	FamilySUSE
)

func (f Family) String() string {
	switch f {
	case FamilyDebian:
		return "debian"
	case FamilySUSE:
		return "suse"
	default:
		return "default"
	}
}

// ParseFamily maps a configured name onto a Family. Unknown names yield
// FamilyDefault and false.
func ParseFamily(raw string) (Family, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debian", "ubuntu", "mac", "darwin":
		return FamilyDebian, true
	case "suse", "opensuse", "sles":
		return FamilySUSE, true
	case "default":
		return FamilyDefault, true
	default:
		return FamilyDefault, false
	}
}

// OSReleasePath is where DetectFamily looks for distribution metadata.
const OSReleasePath = "/etc/os-release"

// DetectFamily inspects the host once. macOS shares the Debian layout.
func DetectFamily() Family {
	if runtime.GOOS == "darwin" {
		return FamilyDebian
	}
	raw, err := os.ReadFile(OSReleasePath)
	if err != nil {
		return FamilyDefault
	}
	return FamilyFromOSRelease(raw)
}

// FamilyFromOSRelease reads the ID and ID_LIKE keys of an os-release document.
func FamilyFromOSRelease(raw []byte) Family {
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || (key != "ID" && key != "ID_LIKE") {
			continue
		}
		value = strings.ToLower(strings.Trim(value, `"'`))
		ids = append(ids, strings.Fields(value)...)
	}
	for _, id := range ids {
		if strings.Contains(id, "suse") || id == "sles" {
			return FamilySUSE
		}
	}
	for _, id := range ids {
		if id == "debian" || id == "ubuntu" {
			return FamilyDebian
		}
	}
	return FamilyDefault
}
