package server

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// A TokenDecoder turns the API key sent with a request into the Grant it
// carries. A key that is not recognized gives the zero Grant, whose role is
// RoleUnknown. An error means the lookup itself failed.
type TokenDecoder interface {
	TokenDecode(token string) (Grant, error)
}

// A Role says what a token may do. Each role can do everything the roles
// before it can.
type Role int

const (
	RoleUnknown Role = iota
	RoleMDOnly       // list snapshots and read their metadata
	RoleRead         // download payloads and stats
	RoleWrite        // upload and delete snapshots
	RoleAdmin        // run cleanups
)

func (r Role) String() string {
	switch r {
	case RoleMDOnly:
		return "mdonly"
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "mdonly":
		return RoleMDOnly
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// A Grant is what an API key entitles its holder to.
//
// Packages limits the grant to the packages matching one of the given
// patterns, in path.Match syntax, so "@clerk/*" covers every package of the
// @clerk scope. A scoped grant may only be used on requests naming a package
// with ?package=, which rules out deleting by key, stats, and cleanups. An
// empty Packages means every package.
type Grant struct {
	User     string
	Role     Role
	Packages []string
}

// Allows reports whether g may act on pkg.
func (g Grant) Allows(pkg string) bool {
	if len(g.Packages) == 0 {
		return true
	}
	if pkg == "" {
		return false
	}
	for _, pattern := range g.Packages {
		if ok, _ := path.Match(pattern, pkg); ok {
			return true
		}
	}
	return false
}

// NewTokenDecoder returns a decoder reading the tokens file fname, or the
// nobody decoder if fname is empty.
func NewTokenDecoder(fname string) (TokenDecoder, error) {
	if fname == "" {
		return NewNobodyDecoder(), nil
	}
	return NewListDecoderFile(fname)
}

// NewNobodyDecoder creates a TokenDecoder that for every possible token
// returns an unscoped grant for "nobody" with the Admin role.
func NewNobodyDecoder() TokenDecoder {
	return nobodyDecoder{}
}

type nobodyDecoder struct{}

func (nobodyDecoder) TokenDecode(token string) (Grant, error) {
	return Grant{User: "nobody", Role: RoleAdmin}, nil
}

// NewListDecoder reads a tokens file from r. Each line has the form
//
//	<user name>  <role>  <token>  [<package pattern>,...]
//
// separated by whitespace. The role is one of "MDOnly", "Read", "Write" or
// "Admin" (case insensitive). The optional fourth column is a comma
// separated list of package patterns the token is limited to, for example
//
//	ci-clerk  write  s3cr3t  @clerk/*,react
//
// Empty lines and lines beginning with '#' are skipped. Any other line
// that does not fit this form is an error, as is a token listed twice.
func NewListDecoder(r io.Reader) (TokenDecoder, error) {
	grants := make(map[string]Grant)
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		pieces := strings.Fields(scanner.Text())
		if len(pieces) == 0 || pieces[0][0] == '#' {
			continue
		}
		token, g, err := parseGrant(pieces)
		if err != nil {
			return nil, fmt.Errorf("tokens line %d: %w", lineno, err)
		}
		if _, dup := grants[token]; dup {
			return nil, fmt.Errorf("tokens line %d: token of %s listed twice", lineno, g.User)
		}
		grants[token] = g
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return listDecoder(grants), nil
}

func parseGrant(pieces []string) (string, Grant, error) {
	if len(pieces) != 3 && len(pieces) != 4 {
		return "", Grant{}, fmt.Errorf("expected 3 or 4 fields, found %d", len(pieces))
	}
	g := Grant{User: pieces[0], Role: atoRole(pieces[1])}
	if g.Role == RoleUnknown {
		return "", Grant{}, fmt.Errorf("unknown role %q", pieces[1])
	}
	if len(pieces) == 4 {
		for _, pattern := range strings.Split(pieces[3], ",") {
			if pattern == "" {
				continue
			}
			if _, err := path.Match(pattern, ""); err != nil {
				return "", Grant{}, fmt.Errorf("package pattern %q: %w", pattern, err)
			}
			g.Packages = append(g.Packages, pattern)
		}
	}
	return pieces[2], g, nil
}

// NewListDecoderFile reads the tokens file fname. See NewListDecoder for
// its format.
func NewListDecoderFile(fname string) (TokenDecoder, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListDecoder(f)
}

// NewListDecoderString is NewListDecoder reading from a string.
func NewListDecoderString(data string) (TokenDecoder, error) {
	return NewListDecoder(strings.NewReader(data))
}

// listDecoder maps tokens to their grants.
type listDecoder map[string]Grant

func (ld listDecoder) TokenDecode(token string) (Grant, error) {
	if token == "" {
		return Grant{}, nil
	}
	return ld[token], nil
}
