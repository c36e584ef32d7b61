package chainlog

import (
	"slices"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventCatalog maps an event signature (topic0) to the ABI definitions that
// share it. Implementations must be safe for concurrent reads.
type EventCatalog interface {
	Events(sig common.Hash) []abi.Event
}

// EventID returns the topic0 of a canonical event signature such as
// "Transfer(address,address,uint256)".
func EventID(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// Catalog is an in-memory EventCatalog. It is not safe for concurrent
// mutation; build it fully before sharing it.
type Catalog struct {
	events map[common.Hash][]abi.Event
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{events: make(map[common.Hash][]abi.Event)}
}

// Events implements EventCatalog.
func (c *Catalog) Events(sig common.Hash) []abi.Event {
	return c.events[sig]
}

// Len returns the number of distinct event layouts in the catalog.
func (c *Catalog) Len() int {
	n := 0
	for _, evs := range c.events {
		n += len(evs)
	}
	return n
}

// Add registers an event. Anonymous events have no topic0 and are ignored, as
// are duplicates of an already registered layout.
func (c *Catalog) Add(ev abi.Event) {
	if ev.Anonymous {
		return
	}
	for _, existing := range c.events[ev.ID] {
		if sameLayout(existing, ev) {
			return
		}
	}
	c.events[ev.ID] = append(c.events[ev.ID], ev)
}

// AddABI registers every event of a parsed contract ABI in name order.
func (c *Catalog) AddABI(contract abi.ABI) {
	names := make([]string, 0, len(contract.Events))
	for name := range contract.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.Add(contract.Events[name])
	}
}

// Merge adds every event of other after the events already present.
func (c *Catalog) Merge(other *Catalog) {
	sigs := make([]common.Hash, 0, len(other.events))
	for sig := range other.events {
		sigs = append(sigs, sig)
	}
	slices.SortFunc(sigs, func(a, b common.Hash) int { return a.Cmp(b) })
	for _, sig := range sigs {
		for _, ev := range other.events[sig] {
			c.Add(ev)
		}
	}
}

func sameLayout(a, b abi.Event) bool {
	if len(a.Inputs) != len(b.Inputs) {
		return false
	}
	for i := range a.Inputs {
		if a.Inputs[i].Indexed != b.Inputs[i].Indexed || a.Inputs[i].Type.String() != b.Inputs[i].Type.String() {
			return false
		}
	}
	return true
}

// builtinEvents covers token, access control, proxy and pause events.
const builtinEvents = `[
{"type":"event","name":"Transfer","inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]},
{"type":"event","name":"Transfer","inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"tokenId","type":"uint256","indexed":true}]},
{"type":"event","name":"Approval","inputs":[
  {"name":"owner","type":"address","indexed":true},
  {"name":"spender","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]},
{"type":"event","name":"OwnershipTransferred","inputs":[
  {"name":"previousOwner","type":"address","indexed":true},
  {"name":"newOwner","type":"address","indexed":true}]},
{"type":"event","name":"Upgraded","inputs":[
  {"name":"implementation","type":"address","indexed":true}]},
{"type":"event","name":"AdminChanged","inputs":[
  {"name":"previousAdmin","type":"address","indexed":false},
  {"name":"newAdmin","type":"address","indexed":false}]},
{"type":"event","name":"BeaconUpgraded","inputs":[
  {"name":"beacon","type":"address","indexed":true}]},
{"type":"event","name":"Paused","inputs":[
  {"name":"account","type":"address","indexed":false}]},
{"type":"event","name":"Unpaused","inputs":[
  {"name":"account","type":"address","indexed":false}]},
{"type":"event","name":"RoleGranted","inputs":[
  {"name":"role","type":"bytes32","indexed":true},
  {"name":"account","type":"address","indexed":true},
  {"name":"sender","type":"address","indexed":true}]},
{"type":"event","name":"RoleRevoked","inputs":[
  {"name":"role","type":"bytes32","indexed":true},
  {"name":"account","type":"address","indexed":true},
  {"name":"sender","type":"address","indexed":true}]},
{"type":"event","name":"RoleAdminChanged","inputs":[
  {"name":"role","type":"bytes32","indexed":true},
  {"name":"previousAdminRole","type":"bytes32","indexed":true},
  {"name":"newAdminRole","type":"bytes32","indexed":true}]},
{"type":"event","name":"Deposit","inputs":[
  {"name":"dst","type":"address","indexed":true},
  {"name":"wad","type":"uint256","indexed":false}]},
{"type":"event","name":"Withdrawal","inputs":[
  {"name":"src","type":"address","indexed":true},
  {"name":"wad","type":"uint256","indexed":false}]},
{"type":"event","name":"Withdraw","inputs":[
  {"name":"sender","type":"address","indexed":true},
  {"name":"receiver","type":"address","indexed":true},
  {"name":"owner","type":"address","indexed":true},
  {"name":"assets","type":"uint256","indexed":false},
  {"name":"shares","type":"uint256","indexed":false}]}
]`

// Well-known event signatures.
var (
	TransferSig             = EventID("Transfer(address,address,uint256)")
	ApprovalSig             = EventID("Approval(address,address,uint256)")
	OwnershipTransferredSig = EventID("OwnershipTransferred(address,address)")
	UpgradedSig             = EventID("Upgraded(address)")
	AdminChangedSig         = EventID("AdminChanged(address,address)")
	BeaconUpgradedSig       = EventID("BeaconUpgraded(address)")
	PausedSig               = EventID("Paused(address)")
	UnpausedSig             = EventID("Unpaused(address)")
	RoleGrantedSig          = EventID("RoleGranted(bytes32,address,address)")
	RoleRevokedSig          = EventID("RoleRevoked(bytes32,address,address)")
	RoleAdminChangedSig     = EventID("RoleAdminChanged(bytes32,bytes32,bytes32)")
	DepositSig              = EventID("Deposit(address,uint256)")
	WithdrawalSig           = EventID("Withdrawal(address,uint256)")
	WithdrawSig             = EventID("Withdraw(address,address,address,uint256,uint256)")
)

// DefaultCatalog returns a new catalog holding the built-in events.
func DefaultCatalog() *Catalog {
	parsed, err := abi.JSON(strings.NewReader(builtinEvents))
	if err != nil {
		panic("chainlog: invalid built-in event ABI: " + err.Error())
	}
	c := NewCatalog()
	c.AddABI(parsed)
	return c
}
