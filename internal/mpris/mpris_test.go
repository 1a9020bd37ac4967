package mpris

import "testing"

func TestSanitizeID(t *testing.T) {
	if got := sanitizeID(""); got != "none" {
		t.Fatalf("got %q, want none", got)
	}
	if got := sanitizeID("a/b c!"); got != "a_b_c_" {
		t.Fatalf("got %q", got)
	}
}

func TestMetadataToVariantMapIncludesOptional(t *testing.T) {
	md := Metadata{TrackID: "t1", Title: "Song", Artist: "Band", Album: "LP", ArtURL: "file:///a.jpg", Length: 1000}
	vm := md.toVariantMap()
	if _, ok := vm["mpris:artUrl"]; !ok {
		t.Fatal("expected mpris:artUrl to be set")
	}
	if _, ok := vm["mpris:length"]; !ok {
		t.Fatal("expected mpris:length to be set")
	}
	if vm["xesam:title"].Value().(string) != "Song" {
		t.Fatalf("title = %v", vm["xesam:title"])
	}
}

func TestMetadataToVariantMapOmitsEmptyOptional(t *testing.T) {
	md := Metadata{TrackID: "t1", Title: "Song"}
	vm := md.toVariantMap()
	if _, ok := vm["mpris:artUrl"]; ok {
		t.Fatal("expected mpris:artUrl to be omitted when empty")
	}
	if _, ok := vm["mpris:length"]; ok {
		t.Fatal("expected mpris:length to be omitted when zero")
	}
}
