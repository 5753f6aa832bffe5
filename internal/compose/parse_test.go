package compose

import (
	"testing"

	"github.com/stackvault/backupd/internal/apperr"
)

func TestParseVolumeForms(t *testing.T) {
	manifest := `
services:
  db:
    image: postgres:16
    volumes:
      - /host/data:/var/lib/postgresql/data
      - dbdata
      - type: volume
        target: /etc/postgresql
`
	m, err := Parse(manifest)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	svc, ok := m.Services["db"]
	if !ok {
		t.Fatal("missing service db")
	}
	want := []string{"/var/lib/postgresql/data", "dbdata", "/etc/postgresql"}
	if len(svc.DeclaredVolumeDestinations) != len(want) {
		t.Fatalf("volumes = %v, want %v", svc.DeclaredVolumeDestinations, want)
	}
	for i, v := range want {
		if svc.DeclaredVolumeDestinations[i] != v {
			t.Errorf("volumes[%d] = %q, want %q", i, svc.DeclaredVolumeDestinations[i], v)
		}
	}
}

func TestParseEnvArrayAndMapForms(t *testing.T) {
	manifest := `
services:
  a:
    image: x
    environment:
      - POSTGRES_USER=app
      - EMPTY=
  b:
    image: y
    environment:
      POSTGRES_USER: app
      EMPTY: ""
`
	m, err := Parse(manifest)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, svcName := range []string{"a", "b"} {
		svc := m.Services[svcName]
		if svc.EnvOverrides["POSTGRES_USER"] != "app" {
			t.Errorf("%s: POSTGRES_USER = %q", svcName, svc.EnvOverrides["POSTGRES_USER"])
		}
		if v, ok := svc.EnvOverrides["EMPTY"]; !ok || v != "" {
			t.Errorf("%s: EMPTY = %q, ok=%v", svcName, v, ok)
		}
	}
}

func TestParseMalformedManifest(t *testing.T) {
	_, err := Parse("not: [valid: yaml")
	if !apperr.Is(err, apperr.ParseError) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestParseMissingServicesBlock(t *testing.T) {
	_, err := Parse("version: \"3\"\n")
	if !apperr.Is(err, apperr.ParseError) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestInterpolateWithDefault(t *testing.T) {
	env := map[string]string{"USER": "app"}
	got := Interpolate("user=${USER} db=${DB:-postgres}", env)
	want := "user=app db=postgres"
	if got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
}

func TestInterpolateUnresolvedBecomesEmpty(t *testing.T) {
	got := Interpolate("x=${MISSING}", map[string]string{})
	if got != "x=" {
		t.Errorf("Interpolate = %q, want %q", got, "x=")
	}
}
