package main

import (
	"slices"
	"testing"
)

func TestViolationsFlagsTransportInCore(t *testing.T) {
	pkgs := []packageInfo{
		{
			ImportPath: modulePath + "/internal/delta",
			Imports:    []string{"math", modulePath + "/internal/snapshot", "github.com/gorilla/websocket"},
		},
		{
			ImportPath: modulePath + "/internal/sequence",
			Imports:    []string{modulePath + "/internal/net/proto", "net/http/httptest"},
		},
		{
			ImportPath: modulePath + "/internal/relay",
			Imports:    []string{modulePath + "/internal/net/proto", "net/http"},
		},
	}

	got := violations(pkgs)
	want := []string{
		modulePath + "/internal/delta -> github.com/gorilla/websocket",
		modulePath + "/internal/sequence -> " + modulePath + "/internal/net/proto",
		modulePath + "/internal/sequence -> net/http/httptest",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected violations:\n got %v\nwant %v", got, want)
	}
}

func TestViolationsIgnoresSimilarPrefixes(t *testing.T) {
	pkgs := []packageInfo{{
		ImportPath: modulePath + "/internal/wire",
		Imports:    []string{"net", "net/netip", modulePath + "/internal/snapshot"},
	}}
	if got := violations(pkgs); len(got) != 0 {
		t.Fatalf("expected no violations, got %v", got)
	}
}

func TestDecodePackagesReadsStream(t *testing.T) {
	stream := []byte(`{"ImportPath":"a","Imports":["b"]}
{"ImportPath":"c"}`)
	pkgs, err := decodePackages(stream)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(pkgs) != 2 || pkgs[0].ImportPath != "a" || pkgs[1].Imports != nil {
		t.Fatalf("unexpected packages %+v", pkgs)
	}
}
