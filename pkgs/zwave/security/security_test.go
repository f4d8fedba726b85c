package security

import (
	"bytes"
	"testing"
	"time"
)

func testNetworkKey() []byte {
	return bytes.Repeat([]byte{0x42}, blockSize)
}

func TestDeriveKeysDeterministic(t *testing.T) {
	nk := testNetworkKey()
	enc1, auth1, err := DeriveKeys(nk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enc2, auth2, err := DeriveKeys(nk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(enc1, enc2) || !bytes.Equal(auth1, auth2) {
		t.Fatalf("expected deterministic key derivation for the same network key")
	}
	if bytes.Equal(enc1, auth1) {
		t.Fatalf("enc and auth keys must differ")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	eng, err := NewEngine(testNetworkKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const sender, receiver byte = 1, 5
	remoteNonceBytes, remoteNonceID, err := eng.IssueNonce(sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ccBytes := []byte{0x25, 0x01, 0xFF}
	envelope, err := eng.Encrypt(0x81, sender, receiver, ccBytes, remoteNonceBytes, remoteNonceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decrypt runs from the perspective of the node that issued the
	// nonce; it takes the same sender/receiver framing Encrypt used.
	got, err := eng.Decrypt(0x81, sender, receiver, envelope)
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if !bytes.Equal(got, ccBytes) {
		t.Fatalf("round trip mismatch: got %v want %v", got, ccBytes)
	}
}

func TestDecryptRejectsUnknownNonceID(t *testing.T) {
	eng, err := NewEngine(testNetworkKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	envelope := make([]byte, 8+3+1+8)
	if _, err := eng.Decrypt(0x81, 1, 5, envelope); err != ErrNonceExpired {
		t.Fatalf("expected ErrNonceExpired, got %v", err)
	}
}

func TestDecryptRejectsExpiredNonce(t *testing.T) {
	eng, err := NewEngine(testNetworkKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	base := time.Now()
	eng.now = func() time.Time { return base }

	const sender, receiver byte = 1, 5
	remoteNonceBytes, remoteNonceID, err := eng.IssueNonce(sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	envelope, err := eng.Encrypt(0x81, sender, receiver, []byte{0x20, 0x01}, remoteNonceBytes, remoteNonceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng.now = func() time.Time { return base.Add(11 * time.Second) }
	if _, err := eng.Decrypt(0x81, sender, receiver, envelope); err != ErrNonceExpired {
		t.Fatalf("expected ErrNonceExpired after 10s window, got %v", err)
	}
}

func TestDecryptRejectsTamperedMAC(t *testing.T) {
	eng, err := NewEngine(testNetworkKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const sender, receiver byte = 1, 5
	remoteNonceBytes, remoteNonceID, err := eng.IssueNonce(sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	envelope, err := eng.Encrypt(0x81, sender, receiver, []byte{0x20, 0x01}, remoteNonceBytes, remoteNonceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	envelope[len(envelope)-1] ^= 0xFF

	if _, err := eng.Decrypt(0x81, sender, receiver, envelope); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}

func TestNonceIsSingleUse(t *testing.T) {
	eng, err := NewEngine(testNetworkKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const sender, receiver byte = 1, 5
	remoteNonceBytes, remoteNonceID, err := eng.IssueNonce(sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	envelope, err := eng.Encrypt(0x81, sender, receiver, []byte{0x20, 0x01}, remoteNonceBytes, remoteNonceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := eng.Decrypt(0x81, sender, receiver, envelope); err != nil {
		t.Fatalf("unexpected error on first decrypt: %v", err)
	}
	if _, err := eng.Decrypt(0x81, sender, receiver, envelope); err != ErrNonceExpired {
		t.Fatalf("expected nonce to be consumed on first use, got %v", err)
	}
}
