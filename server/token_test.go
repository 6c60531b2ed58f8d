package server

import (
	"reflect"
	"testing"
)

func TestAtoRole(t *testing.T) {
	var table = []struct {
		input  string
		output Role
	}{
		{"MDOnly", RoleMDOnly},
		{"mdonly", RoleMDOnly},
		{"read", RoleRead},
		{"Read", RoleRead},
		{"Write", RoleWrite},
		{"write", RoleWrite},
		{"admin", RoleAdmin},
		{"Admin", RoleAdmin},
		{"other", RoleUnknown},
	}

	for _, row := range table {
		result := atoRole(row.input)
		if result != row.output {
			t.Errorf("For %v received %v, expected %v", row.input, result, row.output)
		}
	}
}

func TestListDecoder(t *testing.T) {
	const users = `# comment line
ci        write   t0ken-ci
reader    Read    t0ken-r

auditor   mdonly  t0ken-md
root      ADMIN   t0ken-admin
clerk-ci  write   t0ken-clerk  @clerk/*,react
`
	d, err := NewListDecoderString(users)
	if err != nil {
		t.Fatal(err)
	}
	var table = []struct {
		token string
		grant Grant
	}{
		{"t0ken-ci", Grant{User: "ci", Role: RoleWrite}},
		{"t0ken-r", Grant{User: "reader", Role: RoleRead}},
		{"t0ken-md", Grant{User: "auditor", Role: RoleMDOnly}},
		{"t0ken-admin", Grant{User: "root", Role: RoleAdmin}},
		{"t0ken-clerk", Grant{User: "clerk-ci", Role: RoleWrite, Packages: []string{"@clerk/*", "react"}}},
		{"read", Grant{}},
		{"", Grant{}},
		{"zzz", Grant{}},
	}
	for _, row := range table {
		g, err := d.TokenDecode(row.token)
		if err != nil || !reflect.DeepEqual(g, row.grant) {
			t.Errorf("For %q received (%+v, %v), expected %+v", row.token, g, err, row.grant)
		}
	}
}

func TestListDecoderRejectsBadLines(t *testing.T) {
	for _, data := range []string{
		"broken read\n",
		"a read b c d\n",
		"ci superuser tok\n",
		"ci write tok [x\n",
		"a read tok\nb write tok\n",
	} {
		if _, err := NewListDecoderString(data); err == nil {
			t.Errorf("%q: expected an error", data)
		}
	}
}

func TestGrantAllows(t *testing.T) {
	scoped := Grant{Role: RoleWrite, Packages: []string{"@clerk/*", "react"}}
	var table = []struct {
		g   Grant
		pkg string
		ok  bool
	}{
		{Grant{Role: RoleWrite}, "anything", true},
		{Grant{Role: RoleWrite}, "", true},
		{scoped, "@clerk/backend", true},
		{scoped, "@clerk/nextjs", true},
		{scoped, "react", true},
		{scoped, "react-dom", false},
		{scoped, "@clerk/backend/extra", false},
		{scoped, "", false},
	}
	for _, row := range table {
		if ok := row.g.Allows(row.pkg); ok != row.ok {
			t.Errorf("%v.Allows(%q) = %v, expected %v", row.g.Packages, row.pkg, ok, row.ok)
		}
	}
}

func TestNewTokenDecoder(t *testing.T) {
	d, err := NewTokenDecoder("")
	if err != nil {
		t.Fatal(err)
	}
	g, _ := d.TokenDecode("anything")
	if g.User != "nobody" || g.Role != RoleAdmin || len(g.Packages) != 0 {
		t.Errorf("received %+v, expected unscoped nobody admin", g)
	}
	if _, err := NewTokenDecoder("/no/such/tokens/file"); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}
