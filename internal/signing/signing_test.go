package signing

import (
	"errors"
	"net/http"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"order.created","data":{}}`)
	secret := "s3cret"

	sig := Sign(payload, secret)
	if len(sig) != len("sha256=")+64 {
		t.Fatalf("Sign() = %q, want sha256= followed by 64 hex chars", sig)
	}
	if sig[:7] != "sha256=" {
		t.Fatalf("Sign() = %q, want sha256= prefix", sig)
	}
	if err := Verify(payload, secret, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if Sign(payload, secret) != sig {
		t.Error("Sign() is not deterministic")
	}

	// flip every byte of the hex digest in turn
	for i := len("sha256="); i < len(sig); i++ {
		b := []byte(sig)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		if err := Verify(payload, secret, string(b)); !errors.Is(err, ErrMismatch) {
			t.Fatalf("Verify() with byte %d altered error = %v, want %v", i, err, ErrMismatch)
		}
	}
}

func TestVerify_Rejects(t *testing.T) {
	payload := []byte(`{"type":"order.created","data":{}}`)
	good := Sign(payload, "s3cret")

	tests := []struct {
		name    string
		payload []byte
		secret  string
		sig     string
		want    error
	}{
		{name: "missing", payload: payload, secret: "s3cret", sig: "", want: ErrMissingSignature},
		{name: "no prefix", payload: payload, secret: "s3cret", sig: good[7:], want: ErrMalformed},
		{name: "not hex", payload: payload, secret: "s3cret", sig: "sha256=zz", want: ErrMalformed},
		{name: "truncated", payload: payload, secret: "s3cret", sig: good[:len(good)-2], want: ErrMismatch},
		{name: "wrong secret", payload: payload, secret: "other", sig: good, want: ErrMismatch},
		{name: "altered payload", payload: []byte(`{"type":"order.created","data":{ }}`), secret: "s3cret", sig: good, want: ErrMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Verify(tt.payload, tt.secret, tt.sig); !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyRequest(t *testing.T) {
	body := []byte(`{"id":"1"}`)
	sig := Sign(body, "k")

	h := http.Header{}
	h.Set(DefaultHeader, sig)
	if err := VerifyRequest(h, "", body, "k"); err != nil {
		t.Errorf("VerifyRequest(default header) error = %v", err)
	}

	h = http.Header{}
	h.Set("X-Custom-Sig", sig)
	if err := VerifyRequest(h, "X-Custom-Sig", body, "k"); err != nil {
		t.Errorf("VerifyRequest(custom header) error = %v", err)
	}
	if err := VerifyRequest(h, "", body, "k"); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("VerifyRequest(wrong header) error = %v, want %v", err, ErrMissingSignature)
	}
}
