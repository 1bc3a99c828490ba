package llm

import "testing"

func TestFallbackExtract_JavaScript(t *testing.T) {
	content := `import { db } from './db';

export function loadUser(id) {
  return db.get(id);
}

const formatUser = (u) => u.name;

export class UserService {
  constructor() {}
}
`
	analysis := FallbackExtract("src/user.js", content)

	if len(analysis.Relationships) != 0 {
		t.Fatalf("fallback must not produce relationships, got %d", len(analysis.Relationships))
	}

	byName := map[string]POIFinding{}
	for _, p := range analysis.POIs {
		byName[p.Name] = p
		if p.Confidence != FallbackConfidence {
			t.Errorf("POI %s confidence = %v, want %v", p.Name, p.Confidence, FallbackConfidence)
		}
		if p.QualifiedName != "src/user.js:"+p.Name {
			t.Errorf("POI %s qualified name = %q", p.Name, p.QualifiedName)
		}
	}

	loadUser, ok := byName["loadUser"]
	if !ok {
		t.Fatal("expected loadUser to be extracted")
	}
	if loadUser.Type != "Function" {
		t.Errorf("loadUser type = %q, want Function", loadUser.Type)
	}
	if !loadUser.IsExported {
		t.Error("loadUser should be exported")
	}
	if loadUser.LineNumber != 3 {
		t.Errorf("loadUser line = %d, want 3", loadUser.LineNumber)
	}

	if _, ok := byName["formatUser"]; !ok {
		t.Error("expected arrow function formatUser to be extracted")
	}

	svc, ok := byName["UserService"]
	if !ok {
		t.Fatal("expected UserService to be extracted")
	}
	if svc.Type != "Class" {
		t.Errorf("UserService type = %q, want Class", svc.Type)
	}
}

func TestFallbackExtract_Go(t *testing.T) {
	content := `package store

type Repo struct{}

func (r *Repo) Get(id string) error { return nil }

func newRepo() *Repo { return nil }
`
	analysis := FallbackExtract("store/repo.go", content)

	byName := map[string]POIFinding{}
	for _, p := range analysis.POIs {
		byName[p.Name] = p
	}

	if p, ok := byName["Repo"]; !ok || p.Type != "Class" {
		t.Errorf("expected Repo as Class, got %+v", p)
	}
	if p, ok := byName["Get"]; !ok || !p.IsExported {
		t.Errorf("expected exported Get, got %+v", p)
	}
	if p, ok := byName["newRepo"]; !ok || p.IsExported {
		t.Errorf("expected unexported newRepo, got %+v", p)
	}
}

func TestFallbackExtract_Deduplicates(t *testing.T) {
	content := "function doWork() {}\nfunction doWork() {}\n"
	analysis := FallbackExtract("a.js", content)
	if len(analysis.POIs) != 1 {
		t.Errorf("expected 1 POI after dedup, got %d", len(analysis.POIs))
	}
}

func TestFallbackExtract_EmptyContent(t *testing.T) {
	analysis := FallbackExtract("empty.js", "")
	if len(analysis.POIs) != 0 {
		t.Errorf("expected no POIs, got %d", len(analysis.POIs))
	}
}
