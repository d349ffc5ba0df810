package seeds

import (
	"slices"
	"strings"
	"testing"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

func TestParseSkipsCommentsAndNotes(t *testing.T) {
	input := `# header
abcdefghij234567.onion:8000 (@operator)

  zyxwvutsrq765432.onion:8001
not an address
localhost:2002 regtest
Upper.onion:8000
`
	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []p2p.NodeAddress{
		{Host: "abcdefghij234567.onion", Port: 8000},
		{Host: "zyxwvutsrq765432.onion", Port: 8001},
		{Host: "localhost", Port: 2002},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("parsed %v, want %v", got, want)
	}
}

func TestBundledNetworks(t *testing.T) {
	if got := Networks(); !slices.Equal(got, []string{"btc_mainnet", "btc_regtest", "btc_testnet"}) {
		t.Fatalf("networks %v", got)
	}
	for _, network := range Networks() {
		repo, err := Load(Options{Network: network})
		if err != nil {
			t.Fatalf("load %s: %v", network, err)
		}
		if repo.Network() != network {
			t.Fatalf("loaded %s for %s", repo.Network(), network)
		}
		if len(repo.SeedNodes()) == 0 {
			t.Fatalf("no seed nodes bundled for %s", network)
		}
	}
}

func TestUnknownNetworkFallsBackToMainnet(t *testing.T) {
	repo, err := Load(Options{Network: "ltc_mainnet"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if repo.Network() != FallbackNetwork {
		t.Fatalf("network %s, want %s", repo.Network(), FallbackNetwork)
	}

	mainnet, err := Load(Options{Network: FallbackNetwork})
	if err != nil {
		t.Fatalf("load mainnet: %v", err)
	}
	if !slices.Equal(mainnet.SeedNodes(), repo.SeedNodes()) {
		t.Fatalf("fallback seeds %v, want %v", repo.SeedNodes(), mainnet.SeedNodes())
	}
}

func TestOverridesBansAndSelf(t *testing.T) {
	self := p2p.MustParseNodeAddress("localhost:3002")
	repo, err := Load(Options{
		Network:   "btc_regtest",
		Overrides: []string{"localhost:2002", "localhost:3002", "localhost:4002", "localhost:2002"},
		Banned:    []string{"localhost:4002"},
		Self:      &self,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	kept := p2p.MustParseNodeAddress("localhost:2002")
	if got := repo.SeedNodes(); !slices.Equal(got, []p2p.NodeAddress{kept}) {
		t.Fatalf("seed nodes %v, want [%s]", got, kept)
	}
	if !repo.IsSeedNode(kept) || repo.IsSeedNode(self) {
		t.Fatalf("IsSeedNode mismatch")
	}
}

func TestBansApplyToBundledList(t *testing.T) {
	repo, err := Load(Options{Network: "btc_regtest", Banned: []string{"localhost:2002"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []p2p.NodeAddress{p2p.MustParseNodeAddress("localhost:3002")}
	if got := repo.SeedNodes(); !slices.Equal(got, want) {
		t.Fatalf("seed nodes %v, want %v", got, want)
	}
}

func TestMalformedOverrideRejected(t *testing.T) {
	if _, err := Load(Options{Network: "btc_regtest", Overrides: []string{"no-port"}}); err == nil {
		t.Fatalf("malformed override accepted")
	}
	if _, err := Load(Options{Network: "btc_regtest", Banned: []string{"host:0"}}); err == nil {
		t.Fatalf("malformed ban accepted")
	}
}
