// Package ledger binds the vehicle access contract to an authenticated
// session: calldata packing, transaction submission, and AccessChanged log
// replay and subscription.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/vehicleaccess/types"
)

// Operation names a state-changing contract method.
type Operation string

const (
	OpCreateVehicle Operation = "createVehicle"
	OpGrantAccess   Operation = "grantAccess"
	OpRevokeAccess  Operation = "revokeAccess"
)

const EventAccessChanged = "AccessChanged"

// VehicleAccessABI is the call/event surface the client relies on.
const VehicleAccessABI = `[
  {"type":"function","name":"createVehicle","stateMutability":"nonpayable","inputs":[{"name":"vehicleId","type":"string"}],"outputs":[]},
  {"type":"function","name":"grantAccess","stateMutability":"nonpayable","inputs":[{"name":"vehicleId","type":"string"}],"outputs":[]},
  {"type":"function","name":"revokeAccess","stateMutability":"nonpayable","inputs":[{"name":"vehicleId","type":"string"}],"outputs":[]},
  {"type":"event","name":"AccessChanged","anonymous":false,"inputs":[{"name":"vehicleId","type":"string","indexed":false},{"name":"newState","type":"bool","indexed":false}]}
]`

var ErrNotAccessChanged = errors.New("log is not an AccessChanged event")

// Schema is the parsed contract interface.
type Schema struct {
	abi     abi.ABI
	eventID common.Hash
}

// ParseSchema reads a contract ABI and checks that it carries every method
// and event the client uses.
func ParseSchema(r io.Reader) (*Schema, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	for _, op := range []Operation{OpCreateVehicle, OpGrantAccess, OpRevokeAccess} {
		if _, ok := parsed.Methods[string(op)]; !ok {
			return nil, fmt.Errorf("abi missing method %s", op)
		}
	}
	ev, ok := parsed.Events[EventAccessChanged]
	if !ok {
		return nil, fmt.Errorf("abi missing event %s", EventAccessChanged)
	}
	return &Schema{abi: parsed, eventID: ev.ID}, nil
}

// DefaultSchema returns the schema of the deployed vehicle access contract.
func DefaultSchema() *Schema {
	s, err := ParseSchema(strings.NewReader(VehicleAccessABI))
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) ABI() abi.ABI { return s.abi }

// AccessChangedID is topic 0 of every AccessChanged log.
func (s *Schema) AccessChangedID() common.Hash { return s.eventID }

func (s *Schema) Pack(op Operation, args ...any) ([]byte, error) {
	data, err := s.abi.Pack(string(op), args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", op, err)
	}
	return data, nil
}

// Decode turns a raw AccessChanged log into an AccessEvent. The ordering key
// comes from the log's block number and in-block index.
func (s *Schema) Decode(l gethtypes.Log) (types.AccessEvent, error) {
	if len(l.Topics) == 0 || l.Topics[0] != s.eventID {
		return types.AccessEvent{}, ErrNotAccessChanged
	}
	vals, err := s.abi.Events[EventAccessChanged].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return types.AccessEvent{}, fmt.Errorf("unpack %s: %w", EventAccessChanged, err)
	}
	if len(vals) != 2 {
		return types.AccessEvent{}, fmt.Errorf("unpack %s: expected 2 values, got %d", EventAccessChanged, len(vals))
	}
	id, ok := vals[0].(string)
	if !ok {
		return types.AccessEvent{}, fmt.Errorf("unpack %s: vehicleId is %T", EventAccessChanged, vals[0])
	}
	state, ok := vals[1].(bool)
	if !ok {
		return types.AccessEvent{}, fmt.Errorf("unpack %s: newState is %T", EventAccessChanged, vals[1])
	}
	return types.AccessEvent{
		VehicleID: id,
		NewState:  state,
		TxHash:    l.TxHash.Hex(),
		Key:       types.OrderingKey{Block: l.BlockNumber, Index: l.Index},
	}, nil
}

// EncodeAccessChanged builds the data and topics of an AccessChanged log.
// The simulated ledger uses it to emit events.
func (s *Schema) EncodeAccessChanged(vehicleID string, newState bool) (data []byte, topics []common.Hash, err error) {
	data, err = s.abi.Events[EventAccessChanged].Inputs.NonIndexed().Pack(vehicleID, newState)
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s: %w", EventAccessChanged, err)
	}
	return data, []common.Hash{s.eventID}, nil
}

// DecodeCall resolves calldata to an operation and its vehicle ID.
func (s *Schema) DecodeCall(data []byte) (Operation, string, error) {
	if len(data) < 4 {
		return "", "", errors.New("calldata too short")
	}
	m, err := s.abi.MethodById(data[:4])
	if err != nil {
		return "", "", err
	}
	vals, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return "", "", fmt.Errorf("unpack %s: %w", m.Name, err)
	}
	if len(vals) != 1 {
		return "", "", fmt.Errorf("unpack %s: expected 1 value, got %d", m.Name, len(vals))
	}
	id, ok := vals[0].(string)
	if !ok {
		return "", "", fmt.Errorf("unpack %s: vehicleId is %T", m.Name, vals[0])
	}
	return Operation(m.Name), id, nil
}
