package venue

import (
	"strings"
	"testing"
)

// Well-known development key (hardhat account 0); never funded on any
// real network.
const (
	testPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testKeyAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestNewSigner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid-with-prefix", key: testPrivateKey, wantErr: false},
		{name: "valid-without-prefix", key: strings.TrimPrefix(testPrivateKey, "0x"), wantErr: false},
		{name: "empty-key", key: "", wantErr: true},
		{name: "invalid-hex", key: "0xzz0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", wantErr: true},
		{name: "truncated-key", key: "0xac0974", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt := tt
			t.Parallel()

			signer, err := NewSigner(tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}

				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if signer == nil {
				t.Fatal("expected signer, got nil")
			}
		})
	}
}

func TestSignerAddress(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner(testPrivateKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	if got := signer.Address().Hex(); got != testKeyAddress {
		t.Errorf("Address() = %s, want %s", got, testKeyAddress)
	}
}

func TestSignActionDeterministic(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner(testPrivateKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset: 0,
			IsBuy: true,
			Price: "50000",
			Size:  "0.1",
			Type:  orderType{Limit: &limitOrderType{Tif: "Gtc"}},
		}},
		Grouping: "na",
	}

	sig1, err := signer.SignAction(action, 42, true)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}

	sig2, err := signer.SignAction(action, 42, true)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}

	if sig1.R != sig2.R || sig1.S != sig2.S || sig1.V != sig2.V {
		t.Error("same action and nonce produced different signatures")
	}

	sig3, err := signer.SignAction(action, 43, true)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}
	if sig1.R == sig3.R && sig1.S == sig3.S {
		t.Error("different nonces produced identical signatures")
	}

	sig4, err := signer.SignAction(action, 42, false)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}
	if sig1.R == sig4.R && sig1.S == sig4.S {
		t.Error("testnet and mainnet produced identical signatures")
	}
}

func TestSignatureShape(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner(testPrivateKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	sig, err := signer.SignAction(cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: 1, Oid: 7}}}, 1, true)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}

	if !strings.HasPrefix(sig.R, "0x") || len(sig.R) != 66 {
		t.Errorf("R = %q, want 0x-prefixed 32-byte hex", sig.R)
	}
	if !strings.HasPrefix(sig.S, "0x") || len(sig.S) != 66 {
		t.Errorf("S = %q, want 0x-prefixed 32-byte hex", sig.S)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Errorf("V = %d, want 27 or 28", sig.V)
	}
}

func TestActionHash(t *testing.T) {
	t.Parallel()

	action := updateLeverageAction{Type: "updateLeverage", Asset: 3, IsCross: true, Leverage: 5}

	h1, err := actionHash(action, 1)
	if err != nil {
		t.Fatalf("actionHash: %v", err)
	}
	if len(h1) != 32 {
		t.Fatalf("hash length = %d, want 32", len(h1))
	}

	h2, err := actionHash(action, 2)
	if err != nil {
		t.Fatalf("actionHash: %v", err)
	}

	if string(h1) == string(h2) {
		t.Error("different nonces produced the same action hash")
	}
}
