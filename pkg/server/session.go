package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/virtforge/go-storvsp/pkg/guestmem"
	"github.com/virtforge/go-storvsp/pkg/protocol"
	"github.com/virtforge/go-storvsp/pkg/scsi"
	"github.com/virtforge/go-storvsp/pkg/transport"
)

type SessionState int

const (
	StateUnestablished SessionState = iota
	StateNegotiating
	StateOperational
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnestablished:
		return "Unestablished"
	case StateNegotiating:
		return "Negotiating"
	case StateOperational:
		return "Operational"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	defaultMaxTransferBytes       = 8 * 1024 * 1024
	defaultMaxOutstandingRequests = 256
)

type SessionOptions struct {
	MaxTransferBytes       uint32
	MaxOutstandingRequests uint32
}

// Session is the host side of one attached channel: it pumps packets off
// the transport in arrival order, gates them through negotiation, admits
// SCSI requests into the transaction table, and dispatches them to the
// controller's disks. Only the disk call itself may block; any number of
// dispatches can be outstanding at once.
type Session struct {
	id         uuid.UUID
	controller *Controller
	transport  transport.Transport
	memory     *guestmem.Memory
	table      *TransactionTable
	options    *SessionOptions

	log *logrus.Entry

	mu      sync.Mutex
	state   SessionState
	version uint32

	sendLock     sync.Mutex
	wg           sync.WaitGroup
	teardownOnce sync.Once
}

func NewSession(controller *Controller, t transport.Transport, memory *guestmem.Memory, options *SessionOptions) *Session {
	if options == nil {
		options = &SessionOptions{}
	}
	if options.MaxTransferBytes == 0 {
		options.MaxTransferBytes = defaultMaxTransferBytes
	}
	if options.MaxOutstandingRequests == 0 {
		options.MaxOutstandingRequests = defaultMaxOutstandingRequests
	}

	id := uuid.New()
	return &Session{
		id:         id,
		controller: controller,
		transport:  t,
		memory:     memory,
		table:      NewTransactionTable(),
		options:    options,
		state:      StateUnestablished,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"session":   id.String(),
		}),
	}
}

// Run drives the session until the transport closes or ctx is cancelled.
// Teardown drains the transaction table and cancels every outstanding
// dispatch; drained transactions never produce a completion.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.teardown(cancel)

	s.log.Info("session started")

	for {
		pkt, err := s.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		s.handlePacket(ctx, pkt)
	}
}

func (s *Session) teardown(cancel context.CancelFunc) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		drained := s.table.Drain()
		for _, txn := range drained {
			txn.Cancel()
		}
		cancel()
		s.wg.Wait()

		_ = s.transport.Close()
		s.log.WithField("cancelled", len(drained)).Info("session closed")
	})
}

// handlePacket runs synchronously with packet arrival. Nothing in here
// blocks; SCSI dispatch forks off before touching the disk.
func (s *Session) handlePacket(ctx context.Context, in *transport.Packet) {
	if in.Type == transport.Completion {
		s.log.WithField("txn", in.TransactionID).Debug("dropping completion from guest")
		return
	}

	pkt, err := protocol.DecodePacket(in.Payload)
	if err != nil {
		s.log.WithError(err).WithField("txn", in.TransactionID).Debug("dropping undecodable packet")
		if in.CompletionRequested() {
			s.sendCompletion(ctx, in.TransactionID, protocol.StatusInvalidParameter,
				&protocol.Completion{Origin: protocol.OperationNone})
		}
		return
	}

	switch pkt.Operation {
	case protocol.OperationBeginInitialization:
		s.handleBeginInitialization(ctx, in)

	case protocol.OperationQueryProtocolVersion:
		s.handleNegotiate(ctx, in, pkt.Negotiate)

	case protocol.OperationQueryProperties:
		s.handleQueryProperties(ctx, in)

	case protocol.OperationEndInitialization:
		s.handleEndInitialization(ctx, in)

	case protocol.OperationEnumerateBus:
		s.handleEnumerateBus(ctx, in)

	case protocol.OperationResetLun,
		protocol.OperationResetBus,
		protocol.OperationResetAdapter,
		protocol.OperationRemoveDevice:
		// There is no device-side queue to abort; acknowledge once
		// operational.
		s.acknowledge(ctx, in, pkt.Operation)

	case protocol.OperationExecuteSRB:
		s.handleScsi(ctx, in, pkt.Scsi)

	case protocol.OperationCompleteIO:
		s.log.WithField("txn", in.TransactionID).Debug("dropping spurious CompleteIO")
	}
}

// reply sends a control completion if the guest asked for one.
func (s *Session) reply(ctx context.Context, in *transport.Packet, status protocol.Status, c *protocol.Completion) {
	if !in.CompletionRequested() {
		s.log.WithFields(logrus.Fields{
			"txn":    in.TransactionID,
			"origin": c.Origin,
		}).Debug("control packet without completion, not replying")
		return
	}
	s.sendCompletion(ctx, in.TransactionID, status, c)
}

func (s *Session) handleBeginInitialization(ctx context.Context, in *transport.Packet) {
	status := protocol.StatusSuccess

	s.mu.Lock()
	switch s.state {
	case StateUnestablished, StateNegotiating:
		s.state = StateNegotiating
		s.version = 0
	case StateOperational:
		// Renegotiation would change wire semantics under in-flight
		// transactions; only an idle session may re-initialize.
		if s.table.InFlight() > 0 {
			status = protocol.StatusInvalidDeviceState
		} else {
			s.state = StateNegotiating
			s.version = 0
			s.log.Info("guest re-initializing idle session")
		}
	default:
		status = protocol.StatusInvalidDeviceState
	}
	s.mu.Unlock()

	s.reply(ctx, in, status, &protocol.Completion{Origin: protocol.OperationBeginInitialization})
}

func (s *Session) handleNegotiate(ctx context.Context, in *transport.Packet, neg *protocol.NegotiateRequest) {
	completion := &protocol.Completion{Origin: protocol.OperationQueryProtocolVersion}

	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		s.reply(ctx, in, protocol.StatusInvalidDeviceState, completion)
		return
	}

	selected := uint32(0)
	for _, v := range protocol.SupportedVersions() {
		if slices.Contains(neg.ProposedVersions, v) {
			selected = v
			break
		}
	}

	if selected == 0 {
		s.mu.Unlock()
		s.log.WithField("proposed", neg.ProposedVersions).Info("no mutually supported protocol version")
		s.reply(ctx, in, protocol.StatusRevisionMismatch, completion)
		return
	}

	s.version = selected
	s.mu.Unlock()

	completion.SelectedVersion = selected
	s.reply(ctx, in, protocol.StatusSuccess, completion)
}

func (s *Session) handleQueryProperties(ctx context.Context, in *transport.Packet) {
	s.mu.Lock()
	ok := s.version != 0 && (s.state == StateNegotiating || s.state == StateOperational)
	s.mu.Unlock()

	if !ok {
		s.reply(ctx, in, protocol.StatusInvalidDeviceState,
			&protocol.Completion{Origin: protocol.OperationQueryProperties})
		return
	}

	s.reply(ctx, in, protocol.StatusSuccess, &protocol.Completion{
		Origin: protocol.OperationQueryProperties,
		Properties: &protocol.ChannelProperties{
			MaxTransferBytes:       s.options.MaxTransferBytes,
			MaxOutstandingRequests: s.options.MaxOutstandingRequests,
		},
	})
}

func (s *Session) handleEndInitialization(ctx context.Context, in *transport.Packet) {
	status := protocol.StatusSuccess

	s.mu.Lock()
	if s.state == StateNegotiating && s.version != 0 {
		s.state = StateOperational
		s.log.WithField("version", fmt.Sprintf("%#04x", s.version)).Info("session operational")
	} else {
		status = protocol.StatusInvalidDeviceState
	}
	s.mu.Unlock()

	s.reply(ctx, in, status, &protocol.Completion{Origin: protocol.OperationEndInitialization})
}

func (s *Session) handleEnumerateBus(ctx context.Context, in *transport.Packet) {
	if s.State() != StateOperational {
		s.reply(ctx, in, protocol.StatusInvalidDeviceState,
			&protocol.Completion{Origin: protocol.OperationEnumerateBus})
		return
	}

	s.reply(ctx, in, protocol.StatusSuccess, &protocol.Completion{
		Origin:    protocol.OperationEnumerateBus,
		Inventory: &protocol.LunInventory{Luns: s.controller.Luns()},
	})
}

func (s *Session) acknowledge(ctx context.Context, in *transport.Packet, op protocol.Operation) {
	status := protocol.StatusSuccess
	if s.State() != StateOperational {
		status = protocol.StatusInvalidDeviceState
	}
	s.reply(ctx, in, status, &protocol.Completion{Origin: op})
}

func (s *Session) handleScsi(ctx context.Context, in *transport.Packet, req *protocol.ScsiRequest) {
	log := s.log.WithFields(logrus.Fields{
		"txn":    in.TransactionID,
		"lun":    req.Lun,
		"opcode": fmt.Sprintf("%#02x", req.Cdb[0]),
	})

	if !in.CompletionRequested() {
		// A request the host cannot complete is unanswerable; drop it
		// before it can occupy a table slot.
		log.Debug("dropping scsi request without completion")
		return
	}

	if s.State() != StateOperational {
		log.Debug("rejecting scsi request before negotiation")
		s.sendCompletion(ctx, in.TransactionID, protocol.StatusInvalidDeviceState, &protocol.Completion{
			Origin: protocol.OperationExecuteSRB,
			Scsi:   &protocol.ScsiResponse{SrbStatus: protocol.SrbStatusInvalidRequest},
		})
		return
	}

	txn := &Transaction{
		ID:          in.TransactionID,
		Request:     *req,
		SubmittedAt: time.Now(),
	}
	if err := s.table.Admit(txn); err != nil {
		if errors.Is(err, ErrTableDrained) {
			return
		}
		log.WithError(err).Warn("rejecting duplicate transaction")
		s.sendCompletion(ctx, in.TransactionID, protocol.StatusInvalidParameter, &protocol.Completion{
			Origin: protocol.OperationExecuteSRB,
			Scsi:   &protocol.ScsiResponse{SrbStatus: protocol.SrbStatusInvalidRequest},
		})
		return
	}

	disk, ok := s.controller.Lookup(req.Lun)
	if !ok {
		log.Debug("unknown lun")
		s.completeScsi(ctx, in.TransactionID, protocol.SrbStatusInvalidLun,
			scsi.Result{Status: scsi.StatusCheckCondition, Sense: &scsi.SenseNoLun})
		return
	}

	buffers, err := s.resolveRanges(in, req)
	if err != nil {
		log.WithError(err).Debug("descriptor resolution failed")
		s.completeScsi(ctx, in.TransactionID, protocol.SrbStatusError,
			scsi.Result{Status: scsi.StatusCheckCondition, Sense: &scsi.SenseInvalidField})
		return
	}

	dctx, cancel := context.WithCancel(ctx)
	txn.cancel = cancel

	request := &scsi.Request{
		Cdb:     req.Cdb[:req.CdbLength],
		Buffers: buffers,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		result := disk.Execute(dctx, request)
		if dctx.Err() != nil {
			log.Debug("dispatch cancelled")
			return
		}

		s.completeScsi(ctx, in.TransactionID, srbStatusFor(result), result)
	}()
}

// resolveRanges turns the packet's guest-memory descriptors into buffers
// before anything touches the disk. A request whose descriptors disagree
// with its declared transfer length is a protocol error; nothing is
// partially resolved.
func (s *Session) resolveRanges(in *transport.Packet, req *protocol.ScsiRequest) ([]*guestmem.Buffer, error) {
	var access guestmem.Access
	switch req.DataIn {
	case protocol.DataTransferNone:
		if len(in.Ranges) != 0 || req.DataTransferLength != 0 {
			return nil, fmt.Errorf("non-data request carries %d descriptors, %d declared bytes",
				len(in.Ranges), req.DataTransferLength)
		}
		return nil, nil
	case protocol.DataTransferRead:
		access = guestmem.AccessWrite
	case protocol.DataTransferWrite:
		access = guestmem.AccessRead
	default:
		return nil, fmt.Errorf("unknown data direction %d", req.DataIn)
	}

	if req.DataTransferLength > s.options.MaxTransferBytes {
		return nil, fmt.Errorf("transfer of %d bytes exceeds negotiated maximum %d",
			req.DataTransferLength, s.options.MaxTransferBytes)
	}

	total := int64(0)
	for _, r := range in.Ranges {
		total += int64(r.Length)
	}
	if total != int64(req.DataTransferLength) {
		return nil, fmt.Errorf("descriptors cover %d bytes, request declares %d",
			total, req.DataTransferLength)
	}

	buffers := make([]*guestmem.Buffer, 0, len(in.Ranges))
	for _, r := range in.Ranges {
		buf, err := s.memory.Resolve(r, access)
		if err != nil {
			return nil, err
		}
		buffers = append(buffers, buf)
	}
	return buffers, nil
}

// completeScsi is the single completion path: it retires the transaction
// exactly once and emits the completion packet. A missing entry after
// teardown means the transaction was drained and its completion is
// suppressed; a missing entry on a live session is a host logic fault.
func (s *Session) completeScsi(ctx context.Context, id uint64, srbStatus uint8, result scsi.Result) {
	txn, err := s.table.Retire(id)
	if err != nil {
		if s.State() == StateClosed {
			s.log.WithField("txn", id).Debug("suppressing completion after teardown")
			return
		}
		s.log.WithError(err).WithField("txn", id).Error("retire failed on live session")
		return
	}

	resp := &protocol.ScsiResponse{
		SrbStatus:          srbStatus,
		ScsiStatus:         result.Status,
		DataTransferLength: uint32(result.Transferred),
	}
	if result.Sense != nil {
		resp.SenseData = result.Sense.FixedFormat()
	}

	s.sendCompletion(ctx, id, protocol.StatusSuccess, &protocol.Completion{
		Origin: protocol.OperationExecuteSRB,
		Scsi:   resp,
	})

	s.log.WithFields(logrus.Fields{
		"txn":         id,
		"scsi_status": result.Status,
		"transferred": result.Transferred,
		"latency":     time.Since(txn.SubmittedAt),
	}).Debug("transaction completed")
}

func srbStatusFor(result scsi.Result) uint8 {
	if result.Status == scsi.StatusGood {
		return protocol.SrbStatusSuccess
	}
	return protocol.SrbStatusError
}

func (s *Session) sendCompletion(ctx context.Context, id uint64, status protocol.Status, c *protocol.Completion) {
	pkt := &protocol.Packet{
		Operation:  protocol.OperationCompleteIO,
		Status:     status,
		Completion: c,
	}
	payload, err := pkt.Encode()
	if err != nil {
		s.log.WithError(err).Error("failed to encode completion")
		return
	}

	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	if err := s.transport.Send(ctx, &transport.Packet{
		TransactionID: id,
		Type:          transport.Completion,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("txn", id).Debug("failed to send completion")
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NegotiatedVersion is zero until negotiation selects one.
func (s *Session) NegotiatedVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SessionSnapshot is a read-only view of session state for diagnostics.
type SessionSnapshot struct {
	ID                string
	State             string
	NegotiatedVersion uint32
	QueueDepth        int
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	state, version := s.state, s.version
	s.mu.Unlock()

	return SessionSnapshot{
		ID:                s.id.String(),
		State:             state.String(),
		NegotiatedVersion: version,
		QueueDepth:        s.table.InFlight(),
	}
}
