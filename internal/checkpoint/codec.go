// Package checkpoint persists the state of a run at round boundaries.
//
// A checkpoint is a FlatBuffers record carrying a blake3 checksum over its
// canonical content and an optional BLS signature of that checksum. The
// record is zstd-compressed before it is stored.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"FleetGuard/internal/attest"
	"FleetGuard/internal/control"
	"FleetGuard/internal/types"
)

// Version is the current checkpoint format version.
const Version = 1

var (
	// ErrChecksum is returned when a record's content does not match its checksum.
	ErrChecksum = errors.New("checkpoint checksum mismatch")

	// ErrMalformed is returned for bytes that are not a checkpoint record.
	ErrMalformed = errors.New("malformed checkpoint")

	// ErrVersion is returned for records written by an unknown format version.
	ErrVersion = errors.New("unsupported checkpoint version")

	// ErrUnsigned is returned when a signature is required but absent.
	ErrUnsigned = errors.New("checkpoint is not signed")
)

// Record is the state of a run after a completed round.
type Record struct {
	RunID     string
	Round     uint64
	SimTime   float64
	Consensus []float64
	Trust     []float64
	Agents    []control.State
	Flagged   []int // participants flagged in Round

	Checksum  [32]byte // set by Encode and Decode
	Signature []byte   // set by Encode and Decode; empty when unsigned
}

// Encode serializes, signs and compresses a record.
// A nil key produces an unsigned record.
func Encode(r Record, key *attest.KeyPair) ([]byte, error) {
	agents := sortedAgents(r.Agents)
	flagged := attest.BuildBitmap(r.Flagged, len(r.Trust))

	checksum := computeChecksum(Version, r, agents, flagged)

	var signature []byte
	if key != nil {
		signature = key.Sign(checksum[:])
	}

	data := build(r, agents, flagged, checksum, signature)

	compressed, err := compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress checkpoint:\n%w", err)
	}

	return compressed, nil
}

// Decode decompresses and verifies a record. When publicKey is non-nil the
// signature must be present and valid.
func Decode(data []byte, publicKey []byte) (Record, error) {
	raw, err := decompress(data)
	if err != nil {
		return Record{}, fmt.Errorf("decompress checkpoint:\n%w", err)
	}

	r, flagged, err := parse(raw)
	if err != nil {
		return Record{}, err
	}

	computed := computeChecksum(Version, r, r.Agents, flagged)
	if computed != r.Checksum {
		return Record{}, fmt.Errorf("round %d: %w", r.Round, ErrChecksum)
	}

	if publicKey != nil {
		if len(r.Signature) == 0 {
			return Record{}, fmt.Errorf("round %d: %w", r.Round, ErrUnsigned)
		}

		if err := attest.Verify(r.Signature, r.Checksum[:], publicKey); err != nil {
			return Record{}, fmt.Errorf("round %d:\n%w", r.Round, err)
		}
	}

	return r, nil
}

// build creates the FlatBuffers record.
func build(r Record, agents []control.State, flagged []byte, checksum [32]byte, signature []byte) []byte {
	builder := flatbuffers.NewBuilder(1024)

	agentOffsets := make([]flatbuffers.UOffsetT, len(agents))
	for i, a := range agents {
		position := float64Vector(builder, a.Position[:], types.AgentRecordStartPositionVector)
		velocity := float64Vector(builder, a.Velocity[:], types.AgentRecordStartVelocityVector)
		orientation := float64Vector(builder, a.Orientation[:], types.AgentRecordStartOrientationVector)
		angular := float64Vector(builder, a.AngularVelocity[:], types.AgentRecordStartAngularVelocityVector)

		types.AgentRecordStart(builder)
		types.AgentRecordAddId(builder, uint32(a.ID))
		types.AgentRecordAddPosition(builder, position)
		types.AgentRecordAddVelocity(builder, velocity)
		types.AgentRecordAddOrientation(builder, orientation)
		types.AgentRecordAddAngularVelocity(builder, angular)
		types.AgentRecordAddBattery(builder, a.Battery)
		types.AgentRecordAddSafetyMargin(builder, a.SafetyMargin)
		agentOffsets[i] = types.AgentRecordEnd(builder)
	}

	types.CheckpointStartAgentsVector(builder, len(agentOffsets))
	for i := len(agentOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(agentOffsets[i])
	}
	agentsVector := builder.EndVector(len(agentOffsets))

	consensus := float64Vector(builder, r.Consensus, types.CheckpointStartConsensusVector)
	trust := float64Vector(builder, r.Trust, types.CheckpointStartTrustVector)
	flaggedOffset := builder.CreateByteVector(flagged)
	runID := builder.CreateString(r.RunID)
	checksumOffset := builder.CreateByteVector(checksum[:])
	signatureOffset := builder.CreateByteVector(signature)

	types.CheckpointStart(builder)
	types.CheckpointAddVersion(builder, Version)
	types.CheckpointAddRound(builder, r.Round)
	types.CheckpointAddSimTime(builder, r.SimTime)
	types.CheckpointAddConsensus(builder, consensus)
	types.CheckpointAddTrust(builder, trust)
	types.CheckpointAddAgents(builder, agentsVector)
	types.CheckpointAddFlagged(builder, flaggedOffset)
	types.CheckpointAddRunId(builder, runID)
	types.CheckpointAddChecksum(builder, checksumOffset)
	types.CheckpointAddSignature(builder, signatureOffset)
	offset := types.CheckpointEnd(builder)
	types.FinishCheckpointBuffer(builder, offset)

	return builder.FinishedBytes()
}

// float64Vector writes xs as a vector of doubles.
func float64Vector(builder *flatbuffers.Builder, xs []float64, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	start(builder, len(xs))
	for i := len(xs) - 1; i >= 0; i-- {
		builder.PrependFloat64(xs[i])
	}

	return builder.EndVector(len(xs))
}

// parse reads a FlatBuffers record. Malformed buffers make the accessors
// panic, which is reported as ErrMalformed.
func parse(data []byte) (r Record, flagged []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, rec)
		}
	}()

	if len(data) < flatbuffers.SizeUOffsetT {
		return Record{}, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	cp := types.GetRootAsCheckpoint(data, 0)

	if v := cp.Version(); v != Version {
		return Record{}, nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}

	checksum := cp.ChecksumBytes()
	if len(checksum) != 32 {
		return Record{}, nil, fmt.Errorf("%w: checksum length %d", ErrMalformed, len(checksum))
	}

	r = Record{
		RunID:     string(cp.RunId()),
		Round:     cp.Round(),
		SimTime:   cp.SimTime(),
		Consensus: readFloats(cp.ConsensusLength(), cp.Consensus),
		Trust:     readFloats(cp.TrustLength(), cp.Trust),
		Agents:    make([]control.State, cp.AgentsLength()),
	}

	copy(r.Checksum[:], checksum)

	if sig := cp.SignatureBytes(); len(sig) > 0 {
		r.Signature = append([]byte(nil), sig...)
	}

	var rec types.AgentRecord
	for i := range r.Agents {
		if !cp.Agents(&rec, i) {
			return Record{}, nil, fmt.Errorf("%w: agent %d", ErrMalformed, i)
		}

		a, err := readAgent(&rec)
		if err != nil {
			return Record{}, nil, fmt.Errorf("agent %d:\n%w", i, err)
		}

		r.Agents[i] = a
	}

	flagged = append([]byte(nil), cp.FlaggedBytes()...)
	r.Flagged = attest.ParseBitmap(flagged)

	return r, flagged, nil
}

// readAgent converts an AgentRecord to a control state.
func readAgent(rec *types.AgentRecord) (control.State, error) {
	s := control.State{
		ID:           int(rec.Id()),
		Battery:      rec.Battery(),
		SafetyMargin: rec.SafetyMargin(),
	}

	fields := []struct {
		name string
		n    int
		get  func(int) float64
		dst  *control.Vec3
	}{
		{"position", rec.PositionLength(), rec.Position, &s.Position},
		{"velocity", rec.VelocityLength(), rec.Velocity, &s.Velocity},
		{"orientation", rec.OrientationLength(), rec.Orientation, &s.Orientation},
		{"angular velocity", rec.AngularVelocityLength(), rec.AngularVelocity, &s.AngularVelocity},
	}

	for _, f := range fields {
		if f.n != 3 {
			return control.State{}, fmt.Errorf("%w: %s has %d components", ErrMalformed, f.name, f.n)
		}

		for j := range 3 {
			f.dst[j] = f.get(j)
		}
	}

	return s, nil
}

// readFloats copies a FlatBuffers double vector.
func readFloats(n int, get func(int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = get(i)
	}

	return out
}

// sortedAgents returns a copy of agents ordered by id.
func sortedAgents(agents []control.State) []control.State {
	out := make([]control.State, len(agents))
	copy(out, agents)

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

// computeChecksum computes a blake3 checksum over canonical record data.
// Format: version (4) + round (8) + sim time (8) + run id + consensus + trust
// + agents + flagged bitmap, each variable-length part prefixed by its length.
func computeChecksum(version uint32, r Record, agents []control.State, flagged []byte) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], r.Round)
	hasher.Write(buf[:])

	writeFloat(hasher, buf[:], r.SimTime)

	writeLen(hasher, buf[:], len(r.RunID))
	hasher.Write([]byte(r.RunID))

	writeLen(hasher, buf[:], len(r.Consensus))
	for _, x := range r.Consensus {
		writeFloat(hasher, buf[:], x)
	}

	writeLen(hasher, buf[:], len(r.Trust))
	for _, x := range r.Trust {
		writeFloat(hasher, buf[:], x)
	}

	writeLen(hasher, buf[:], len(agents))
	for _, a := range agents {
		binary.BigEndian.PutUint32(buf[:4], uint32(a.ID))
		hasher.Write(buf[:4])

		for _, v := range []control.Vec3{a.Position, a.Velocity, a.Orientation, a.AngularVelocity} {
			for _, x := range v {
				writeFloat(hasher, buf[:], x)
			}
		}

		writeFloat(hasher, buf[:], a.Battery)
		writeFloat(hasher, buf[:], a.SafetyMargin)
	}

	writeLen(hasher, buf[:], len(flagged))
	hasher.Write(flagged)

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	return checksum
}

func writeFloat(h *blake3.Hasher, buf []byte, x float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(x))
	h.Write(buf[:8])
}

func writeLen(h *blake3.Hasher, buf []byte, n int) {
	binary.BigEndian.PutUint32(buf[:4], uint32(n))
	h.Write(buf[:4])
}

// compress compresses record data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed record data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

