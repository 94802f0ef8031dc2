package process

import "strings"

// ParseListeningPorts extracts ports from `lsof -Pan -p <pid> -iTCP
// -sTCP:LISTEN` output. The field holding host:port depends on family.
// Lines without a numeric port are skipped. Duplicates (IPv4 and IPv6
// sockets on the same port) are reported once, in order of appearance.
func ParseListeningPorts(output string, family Family) []string {
	ports := make([]string, 0)
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		name, ok := nameField(line, family)
		if !ok {
			continue
		}
		idx := strings.LastIndex(name, ":")
		if idx == -1 || idx+1 >= len(name) {
			continue
		}
		port := name[idx+1:]
		if !isDigits(port) {
			continue
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports
}

func nameField(line string, family Family) (string, bool) {
	switch family {
	case FamilySUSE:
		idx := strings.LastIndex(line, " ")
		if idx == -1 || idx+1 >= len(line) {
			return "", false
		}
		return line[idx+1:], true
	case FamilyDebian:
		parts := strings.Fields(line)
		if len(parts) <= 9 {
			return "", false
		}
		return parts[9], true
	default:
		parts := strings.Fields(line)
		if len(parts) <= 8 {
			return "", false
		}
		return parts[8], true
	}
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}
