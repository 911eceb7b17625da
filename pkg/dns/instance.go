package dns

import (
	"fmt"
	"strconv"
	"strings"
)

// parseAliasName splits a per-port alias into its hostname and port.
// Aliases are built by provisioner.Aliases.
//
// Supports formats:
//   - hutch-5e2a9c41-api-1a2b3c-3000 -> hostname="hutch-5e2a9c41-api-1a2b3c", port=3000
//   - db-5432 -> hostname="db", port=5432
func parseAliasName(name string) (hostname string, port int, err error) {
	lastHyphen := strings.LastIndex(name, "-")
	if lastHyphen <= 0 {
		return "", 0, fmt.Errorf("not a port alias (no hyphen): %s", name)
	}

	num, err := strconv.Atoi(name[lastHyphen+1:])
	if err != nil {
		return "", 0, fmt.Errorf("not a port alias (invalid port): %s", name)
	}
	if num < 1 || num > 65535 {
		return "", 0, fmt.Errorf("port out of range: %s", name)
	}

	return name[:lastHyphen], num, nil
}
