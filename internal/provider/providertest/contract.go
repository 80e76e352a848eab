package providertest

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CallContext is what a simulated contract method sees
type CallContext struct {
	From  common.Address
	Value *big.Int
	Args  []any
	// Static is true for eth_call; handlers must not mutate state then
	Static bool
}

// MethodFunc implements one simulated contract method
type MethodFunc func(call CallContext) ([]any, error)

// ContractSim answers calls to a single contract address by decoding
// calldata against its ABI and dispatching to Go handlers.
type ContractSim struct {
	abi abi.ABI

	mu      sync.Mutex
	methods map[string]MethodFunc
	calls   map[string]int
}

// NewContractSim creates a simulator for the given ABI
func NewContractSim(parsed abi.ABI) *ContractSim {
	return &ContractSim{
		abi:     parsed,
		methods: make(map[string]MethodFunc),
		calls:   make(map[string]int),
	}
}

// Handle registers fn for the named method
func (s *ContractSim) Handle(name string, fn MethodFunc) *ContractSim {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = fn
	return s
}

// Calls returns how many times the named method executed
func (s *ContractSim) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Exec decodes calldata, runs the matching handler and ABI-encodes its outputs.
func (s *ContractSim) Exec(from common.Address, value *big.Int, data []byte, static bool) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := s.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() > 0 && !method.IsPayable() {
		return nil, fmt.Errorf("%s is not payable", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s arguments: %w", method.Name, err)
	}

	s.mu.Lock()
	fn, ok := s.methods[method.Name]
	if ok && !static {
		s.calls[method.Name]++
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("method %s not simulated", method.Name)
	}

	outs, err := fn(CallContext{From: from, Value: value, Args: args, Static: static})
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(outs...)
}
