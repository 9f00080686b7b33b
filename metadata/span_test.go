package metadata

import (
	"errors"
	"testing"
)

func TestSpan(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"i42e", 4, false},
		{"i-7e", 4, false},
		{"i0e", 3, false},
		{"4:spam", 6, false},
		{"0:", 2, false},
		{"le", 2, false},
		{"l4:spami3ee", 11, false},
		{"d3:cow3:moo4:spam4:eggse", 24, false},
		{"d1:md11:ut_metadatai1eee", 25, false},
		{"d8:msg_typei1e5:piecei0eeRAWBYTES", 25, false},
		{"", 0, true},
		{"i03e", 0, true},
		{"i-0e", 0, true},
		{"ie", 0, true},
		{"i12", 0, true},
		{"i1x2e", 0, true},
		{"-1:a", 0, true},
		{"05:hello", 0, true},
		{"5:abc", 0, true},
		{"l4:spam", 0, true},
		{"di1e3:fooe", 0, true},
		{"d3:foo", 0, true},
		{"x", 0, true},
		{"i12345678901234567890e", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Span([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Span() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedBencode) {
				t.Errorf("Span() error = %v, want ErrMalformedBencode", err)
			}
			if got != tt.want {
				t.Errorf("Span() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSpanDepth(t *testing.T) {
	deep := make([]byte, 0, 2*(maxDepth+2))
	for i := 0; i < maxDepth+2; i++ {
		deep = append(deep, 'l')
	}
	for i := 0; i < maxDepth+2; i++ {
		deep = append(deep, 'e')
	}
	if _, err := Span(deep); err == nil {
		t.Error("Span() accepted nesting beyond the limit")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]byte("d3:fooi1ee")); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if err := Validate([]byte("d3:fooi1eeXX")); !errors.Is(err, ErrMalformedBencode) {
		t.Errorf("Validate() with trailing bytes = %v", err)
	}
}
