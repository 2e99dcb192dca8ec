package asset

import (
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("ETH", "sUSD", []Spec{
		{ID: "sBTC", Decimals: 18, Synthetic: true},
		{ID: "sETH", Synthetic: true},
		{ID: "WBTC"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestParseID_Valid(t *testing.T) {
	for _, id := range []string{"A", "ETH", "sUSD", "sBTC", "WSTETH2", " ab ", "ABCDEFGHIJKLMNOP"} {
		if _, err := ParseID(id); err != nil {
			t.Errorf("unexpected error for %q: %v", id, err)
		}
	}
}

func TestParseID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"  ",
		"1INCH",
		"s-USD",
		"TOKEN_WITH_UNDERSCORE",
		"ABCDEFGHIJKLMNOPQ", // 17 chars
	}
	for _, id := range tests {
		if _, err := ParseID(id); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken for %q, got %v", id, err)
		}
	}
}

func TestNewRegistry_Classes(t *testing.T) {
	r := testRegistry(t)

	cases := map[string]string{
		"ETH":  ClassNative,
		"sUSD": ClassReference,
		"sBTC": ClassSynthetic,
		"sETH": ClassSynthetic,
		"WBTC": ClassBacked,
	}
	for id, class := range cases {
		tok, err := r.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if tok.Class != class {
			t.Errorf("expected %s class=%s, got %s", id, class, tok.Class)
		}
	}

	if !r.IsNative("ETH") || r.IsNative("sUSD") {
		t.Error("native classification wrong")
	}
	if !r.IsReference("sUSD") || r.IsReference("ETH") {
		t.Error("reference classification wrong")
	}
}

func TestNewRegistry_Mintable(t *testing.T) {
	r := testRegistry(t)

	for id, want := range map[string]bool{"ETH": false, "sUSD": true, "sBTC": true, "WBTC": false} {
		tok, _ := r.Get(id)
		if tok.Mintable() != want {
			t.Errorf("expected %s mintable=%v", id, want)
		}
	}
}

func TestNewRegistry_DefaultDecimals(t *testing.T) {
	r := testRegistry(t)

	for _, id := range []string{"ETH", "sUSD", "sETH", "WBTC"} {
		tok, _ := r.Get(id)
		if tok.Decimals != 18 {
			t.Errorf("expected %s decimals 18, got %d", id, tok.Decimals)
		}
	}
}

func TestNewRegistry_ReferenceScale(t *testing.T) {
	r, err := NewRegistry("ETH", "USDC", []Spec{
		{ID: "USDC", Decimals: 6},
		{ID: "sEUR", Synthetic: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []string{"ETH", "USDC", "sEUR"} {
		tok, _ := r.Get(id)
		if tok.Decimals != 6 {
			t.Errorf("expected %s to inherit decimals 6, got %d", id, tok.Decimals)
		}
	}
}

func TestNewRegistry_RejectsMixedDecimals(t *testing.T) {
	_, err := NewRegistry("ETH", "sUSD", []Spec{{ID: "WBTC", Decimals: 8}})
	if !errors.Is(err, ErrDecimals) {
		t.Fatalf("expected ErrDecimals, got %v", err)
	}

	_, err = NewRegistry("ETH", "USDC", []Spec{{ID: "USDC", Decimals: 6}, {ID: "DAI", Decimals: 18}})
	if !errors.Is(err, ErrDecimals) {
		t.Fatalf("expected ErrDecimals, got %v", err)
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	if _, err := NewRegistry("ETH", "ETH", nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for same native/reference, got %v", err)
	}
	if _, err := NewRegistry("ETH", "sUSD", []Spec{{ID: "sBTC"}, {ID: "sBTC"}}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if _, err := NewRegistry("ETH", "sUSD", []Spec{{ID: "bad id"}}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.Get("DOGE"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestList_Sorted(t *testing.T) {
	r := testRegistry(t)
	list := r.List()
	if len(list) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Errorf("list not sorted: %s before %s", list[i-1].ID, list[i].ID)
		}
	}
}
