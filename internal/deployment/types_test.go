package deployment

import (
	"encoding/json"
	"testing"
)

func TestEnvVarUnmarshal(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantName  string
		wantValue any
		wantErr   bool
	}{
		{name: "assignment string", input: `"FLAG=true"`, wantName: "FLAG", wantValue: "true"},
		{name: "assignment with = in value", input: `"DSN=a=b"`, wantName: "DSN", wantValue: "a=b"},
		{name: "assignment without value", input: `"EMPTY"`, wantName: "EMPTY", wantValue: ""},
		{name: "object bool", input: `{"name":"FLAG","value":true}`, wantName: "FLAG", wantValue: true},
		{name: "object number", input: `{"name":"PORT","value":8080}`, wantName: "PORT", wantValue: json.Number("8080")},
		{name: "object null", input: `{"name":"NIL","value":null}`, wantName: "NIL", wantValue: nil},
		{name: "object nested value", input: `{"name":"X","value":{"a":1}}`, wantErr: true},
		{name: "empty name", input: `"=oops"`, wantErr: true},
		{name: "not an object", input: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev EnvVar
			err := json.Unmarshal([]byte(tt.input), &ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ev.Name != tt.wantName {
				t.Errorf("name = %q, want %q", ev.Name, tt.wantName)
			}
			if ev.Value != tt.wantValue {
				t.Errorf("value = %#v, want %#v", ev.Value, tt.wantValue)
			}
		})
	}
}

func TestDeploymentJSONShape(t *testing.T) {
	d := Deployment{
		ID:           "demo",
		Suffix:       "demo",
		ResourceType: ResourcePackage,
		Env:          []EnvVar{{Name: "FLAG", Value: "true"}},
		SourcePath:   "/srv/demo",
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}

	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "suffix", "resourceType", "release", "env", "plan", "version", "sourcePath"} {
		if _, ok := out[key]; !ok {
			t.Errorf("missing key %q in %s", key, b)
		}
	}
}
