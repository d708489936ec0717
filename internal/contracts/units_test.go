package contracts

import "testing"

func TestParseSUI(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1", MistPerSUI, false},
		{"0.5", 500_000_000, false},
		{"0.000000001", 1, false},
		{" 2.25 ", 2_250_000_000, false},
		{"0.0000000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"18446744074", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSUI(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSUI(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSUI(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatSUI(t *testing.T) {
	tests := map[uint64]string{
		0:             "0",
		1:             "0.000000001",
		MistPerSUI:    "1",
		1_500_000_000: "1.5",
	}
	for in, want := range tests {
		if got := FormatSUI(in); got != want {
			t.Errorf("FormatSUI(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateAddress(t *testing.T) {
	if got := TruncateAddress("0x1234567890abcdef"); got != "0x1234...cdef" {
		t.Errorf("TruncateAddress() = %q", got)
	}
	if got := TruncateAddress("0x12"); got != "0x12" {
		t.Errorf("TruncateAddress(short) = %q", got)
	}
}
