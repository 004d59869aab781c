package cache

import "testing"

func TestKeyString_ParamOrderIrrelevant(t *testing.T) {
	a := NewKey(KindSearch, "", map[string]string{"city": "porto", "beds": "3", "max_price": "400000"})
	b := NewKey(KindSearch, "", map[string]string{"max_price": "400000", "beds": "3", "city": "porto"})

	if a.String() != b.String() {
		t.Errorf("Expected identical key strings, got %q and %q", a.String(), b.String())
	}

	t.Log("✓ Param order does not change the key")
}

func TestKeyString_DistinctQueriesDistinctKeys(t *testing.T) {
	keys := []Key{
		NewKey(KindSearch, "", map[string]string{"city": "porto"}),
		NewKey(KindSearch, "", map[string]string{"city": "lisbon"}),
		NewKey(KindSearch, "", map[string]string{"city": "porto", "beds": "2"}),
		NewKey(KindProperty, "porto", nil),
		NewKey(KindSavedProperties, "u1", nil),
		NewKey(KindSavedProperties, "u2", nil),
	}

	seen := make(map[string]Key)
	for _, k := range keys {
		s := k.String()
		if prev, dup := seen[s]; dup {
			t.Errorf("Key collision between %+v and %+v (%q)", prev, k, s)
		}
		seen[s] = k
	}

	t.Log("✓ Distinct queries produce distinct keys")
}

func TestKeyReferences(t *testing.T) {
	key := NewKey(KindSavedProperties, "u1", map[string]string{"region": "r9"})

	if !key.references("u1") {
		t.Error("Expected key to reference its primary id")
	}
	if !key.references("r9") {
		t.Error("Expected key to reference a param value")
	}
	if key.references("u2") {
		t.Error("Did not expect key to reference an unrelated id")
	}
	if key.references("") {
		t.Error("Empty id must never match")
	}

	t.Log("✓ Key reference matching is structural")
}
