package models

import "testing"

func TestMetadata_CloneIsDeep(t *testing.T) {
	orig := Metadata{
		"name":  "Linen shirt",
		"price": 19.5,
		"tags":  []any{"summer", "casual"},
		"extra": map[string]any{"color": "white"},
	}
	c := orig.Clone()
	c["name"] = "changed"
	c["tags"].([]any)[0] = "winter"
	c["extra"].(map[string]any)["color"] = "black"

	if orig.Name() != "Linen shirt" {
		t.Errorf("name changed in original: %v", orig["name"])
	}
	if orig["tags"].([]any)[0] != "summer" {
		t.Errorf("tags changed in original: %v", orig["tags"])
	}
	if orig["extra"].(map[string]any)["color"] != "white" {
		t.Errorf("nested map changed in original: %v", orig["extra"])
	}
}

func TestMetadata_CloneNil(t *testing.T) {
	var m Metadata
	if m.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestMetadata_Accessors(t *testing.T) {
	m := Metadata{"name": "Blazer", "url": "https://img/1.jpg", "id": 3}
	if m.Name() != "Blazer" || m.URL() != "https://img/1.jpg" {
		t.Errorf("Name=%q URL=%q", m.Name(), m.URL())
	}
	if (Metadata{"name": 5}).Name() != "" {
		t.Error("non-string name should read as empty")
	}
}
