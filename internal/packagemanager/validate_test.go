package packagemanager

import "testing"

func TestValidatePackageName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"@forge-cli/init", true},
		{"lodash", true},
		{"left-pad.js", true},
		{"", false},
		{"Upper", false},
		{"_private", false},
		{".hidden", false},
		{"@scope", false},
		{"@scope/", false},
		{"@scope/a/b", false},
		{"../escape", false},
		{"node_modules", false},
		{" spaced", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePackageName(tc.name)
			if tc.ok && err != nil {
				t.Fatalf("expected %q to be valid: %v", tc.name, err)
			}

			if !tc.ok && err == nil {
				t.Fatalf("expected %q to be rejected", tc.name)
			}
		})
	}
}

func TestValidateRegistryURL(t *testing.T) {
	if _, err := ValidateRegistryURL("https://registry.npmjs.org"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, bad := range []string{"ftp://example.com", "registry.npmjs.org", "https://"} {
		if _, err := ValidateRegistryURL(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestIsExactVersion(t *testing.T) {
	if !IsExactVersion("1.2.3") || !IsExactVersion("1.0.0-beta.1") {
		t.Fatalf("exact versions rejected")
	}

	if IsExactVersion(LatestTag) || IsExactVersion("^1.0.0") || IsExactVersion("1.2") {
		t.Fatalf("tags or ranges accepted as exact")
	}
}
