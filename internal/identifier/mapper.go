package identifier

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed android_domains.toml
var builtinTable string

// mappingFile is the on-disk shape of a mapping table.
type mappingFile struct {
	Packages map[string]string `toml:"packages"`
}

// Mapper resolves Android package names to web domains. It is immutable once
// built and safe for concurrent use.
type Mapper struct {
	table map[string]string
}

// NewMapper builds a Mapper from the embedded table.
func NewMapper() (*Mapper, error) {
	m, err := LoadMapping(strings.NewReader(builtinTable))
	if err != nil {
		return nil, fmt.Errorf("load builtin android table: %w", err)
	}
	return m, nil
}

// LoadMapping parses a TOML table with a [packages] section.
func LoadMapping(r io.Reader) (*Mapper, error) {
	var file mappingFile
	if _, err := toml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode mapping table: %w", err)
	}
	table := make(map[string]string, len(file.Packages))
	for pkg, domain := range file.Packages {
		key := strings.ToLower(strings.TrimSpace(pkg))
		domain = strings.ToLower(strings.TrimSpace(domain))
		if key == "" || domain == "" {
			continue
		}
		table[key] = domain
	}
	return &Mapper{table: table}, nil
}

// Merge returns a new Mapper with other's entries layered over m's.
func (m *Mapper) Merge(other *Mapper) *Mapper {
	merged := make(map[string]string, m.Len()+other.Len())
	if m != nil {
		for k, v := range m.table {
			merged[k] = v
		}
	}
	if other != nil {
		for k, v := range other.table {
			merged[k] = v
		}
	}
	return &Mapper{table: merged}
}

// Len reports the number of known packages.
func (m *Mapper) Len() int {
	if m == nil {
		return 0
	}
	return len(m.table)
}

// Lookup performs a case-insensitive exact match.
func (m *Mapper) Lookup(pkg string) (string, bool) {
	if m == nil || pkg == "" {
		return "", false
	}
	domain, ok := m.table[strings.ToLower(pkg)]
	return domain, ok
}

// DomainFor returns the web domain for pkg, first from the table and then by
// deriving it from the package segments. ok is false when neither works.
func (m *Mapper) DomainFor(pkg string) (domain string, ok bool) {
	if pkg == "" {
		return "", false
	}
	if domain, ok := m.Lookup(pkg); ok {
		return domain, true
	}
	return deriveDomain(pkg)
}

func deriveDomain(pkg string) (string, bool) {
	parts := strings.Split(pkg, ".")
	if len(parts) < 2 {
		return "", false
	}
	tld := strings.ToLower(parts[0])
	company := strings.ToLower(parts[1])
	if strings.TrimSpace(company) == "" {
		return "", false
	}
	switch tld {
	case "com", "org", "net", "io":
		return company + "." + tld, true
	case "co", "me", "tv", "app":
		// These collapse to .com rather than company.tld.
		return company + ".com", true
	}
	if len(parts) < 3 {
		return "", false
	}
	if company == "co" || company == "com" {
		name := strings.ToLower(parts[2])
		if strings.TrimSpace(name) == "" {
			return "", false
		}
		return name + "." + company + "." + tld, true
	}
	return company + "." + tld, true
}
