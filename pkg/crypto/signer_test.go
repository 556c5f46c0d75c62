package crypto

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if n := len(signer.PrivateKeyHex()); n != 64 {
		t.Errorf("private key hex length = %d, want 64", n)
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	s1, _ := GenerateKey()

	for _, key := range []string{s1.PrivateKeyHex(), "0x" + s1.PrivateKeyHex()} {
		s2, err := FromPrivateKeyHex(key)
		if err != nil {
			t.Fatalf("failed to load %q: %v", key, err)
		}
		if s2.Address() != s1.Address() {
			t.Errorf("address = %s, want %s", s2.Address().Hex(), s1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("hello tokenbook"))

	sig, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}

	got, err := RecoverAddress(hash, sig)
	if err != nil {
		t.Fatalf("failed to recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// wallet-style V (27/28)
	walletSig := append([]byte(nil), sig...)
	walletSig[64] += 27
	got, err = RecoverAddress(hash, walletSig)
	if err != nil || got != signer.Address() {
		t.Errorf("wallet V: recovered %s, err %v", got.Hex(), err)
	}
	if walletSig[64] < 27 {
		t.Error("RecoverAddress must not modify its input")
	}
}

func TestSignRejectsShortHash(t *testing.T) {
	signer, _ := GenerateKey()
	if _, err := signer.Sign([]byte("short")); err == nil {
		t.Error("expected error for 5-byte hash")
	}
}

func TestRecoverAddressInvalidInput(t *testing.T) {
	hash := common.BytesToHash([]byte("test")).Bytes()

	if _, err := RecoverAddress(hash, []byte{1, 2, 3}); err == nil {
		t.Error("short signature should fail")
	}
	if _, err := RecoverAddress([]byte("short"), make([]byte, 65)); err == nil {
		t.Error("short hash should fail")
	}
}

func TestDecodeSignature(t *testing.T) {
	sig := make([]byte, 65)
	sig[0], sig[64] = 0xab, 1
	enc := EncodeSignature(sig)
	if !strings.HasPrefix(enc, "0x") {
		t.Errorf("encoded signature %q lacks 0x", enc)
	}

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"prefixed", enc, false},
		{"bare", strings.TrimPrefix(enc, "0x"), false},
		{"not hex", "0xzz", true},
		{"too short", "0xabcd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSignature(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got[0] != 0xab || got[64] != 1) {
				t.Errorf("decoded %x", got)
			}
		})
	}
}
