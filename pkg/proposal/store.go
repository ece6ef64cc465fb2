// Package proposal maintains the off-chain mirror of proposal approval
// state: a threshold-gated state machine kept consistent with on-chain
// truth. The mirror exists for fast reads between confirmations and must
// tolerate being momentarily stale; the ledger always wins for Executed.
package proposal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/pda"
)

const proposalsCollection = "proposals"

var storeTimeHistogramVec = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "proposal_store_functions_time",
		Help:    "Proposal store functions execution duration distribution in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 1, 5, 10},
	},
	[]string{"method"},
)

type Store struct {
	docs      docstore.Store
	ledger    ledger.Client
	programID core.Address
	logger    *zap.Logger
	// locks serializes mutations per proposal so concurrent approvals
	// merge instead of clobbering each other.
	locks *xsync.MapOf[string, *sync.Mutex]
	// maxGoroutines bounds parallel ledger reads during listing refresh.
	maxGoroutines int
}

func NewStore(docs docstore.Store, lc ledger.Client, programID core.Address, logger *zap.Logger) *Store {
	return &Store{
		docs:          docs,
		ledger:        lc,
		programID:     programID,
		logger:        logger,
		locks:         xsync.NewMapOf[*sync.Mutex](),
		maxGoroutines: 5,
	}
}

func proposalKey(wallet core.Address, proposalID uint64) string {
	return fmt.Sprintf("%s/%d", wallet, proposalID)
}

func (s *Store) lock(key string) func() {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

func observe(method string) func() {
	start := time.Now()
	return func() {
		storeTimeHistogramVec.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// Create records a new proposal mirror in Pending state.
func (s *Store) Create(ctx context.Context, p *core.Proposal) error {
	defer observe("create")()
	if p.Status == "" {
		p.Status = core.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Signers == nil {
		p.Signers = []string{}
	}
	doc, err := docstore.Encode(p)
	if err != nil {
		return err
	}
	return s.docs.Put(ctx, proposalsCollection, proposalKey(p.MultisigAddress, p.ProposalID), doc)
}

func (s *Store) Get(ctx context.Context, wallet core.Address, proposalID uint64) (*core.Proposal, error) {
	defer observe("get")()
	return s.load(ctx, proposalKey(wallet, proposalID))
}

func (s *Store) load(ctx context.Context, key string) (*core.Proposal, error) {
	doc, err := s.docs.Get(ctx, proposalsCollection, key)
	if err != nil {
		return nil, err
	}
	var p core.Proposal
	if err := docstore.Decode(doc, &p); err != nil {
		return nil, errors.Wrap(err, "decode proposal")
	}
	return &p, nil
}

// RecordApproval adds a guardian identity to the proposal's signer set.
// Re-recording a present identity is a no-op, which makes the operation
// commutative: the final signer set is independent of arrival order. When
// the distinct-signer count reaches the threshold and the proposal is still
// Pending, it advances to Ready.
func (s *Store) RecordApproval(ctx context.Context, wallet core.Address, proposalID uint64, identity string) (*core.Proposal, error) {
	defer observe("record_approval")()
	key := proposalKey(wallet, proposalID)
	defer s.lock(key)()

	p, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.HasSigner(identity) {
		return p, nil
	}
	p.Signers = append(p.Signers, identity)

	patch := docstore.Document{"signers": p.Signers}
	if len(p.Signers) >= p.RequiredSignatures && p.Status == core.StatusPending {
		p.Status = core.StatusReady
		patch["status"] = p.Status
		s.logger.Info("proposal reached threshold",
			zap.Uint64("proposalId", proposalID),
			zap.Int("signatures", len(p.Signers)),
			zap.Int("required", p.RequiredSignatures))
	}
	if err := s.docs.Update(ctx, proposalsCollection, key, patch); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordExecution marks a Ready proposal Executed and stores the landed
// transaction signature. Any other starting state is rejected: Executed with
// core.ErrAlreadyExecuted, everything else with
// core.ErrInvalidStateTransition.
func (s *Store) RecordExecution(ctx context.Context, wallet core.Address, proposalID uint64, txSignature string) (*core.Proposal, error) {
	defer observe("record_execution")()
	key := proposalKey(wallet, proposalID)
	defer s.lock(key)()

	p, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case core.StatusReady:
	case core.StatusExecuted:
		return nil, core.ErrAlreadyExecuted
	default:
		return nil, errors.Wrapf(core.ErrInvalidStateTransition, "execute from %s", p.Status)
	}
	p.Status = core.StatusExecuted
	p.TransactionSignature = txSignature
	err = s.docs.Update(ctx, proposalsCollection, key, docstore.Document{
		"status":               p.Status,
		"transactionSignature": txSignature,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarkTerminal moves a Pending or Ready proposal into Rejected or Expired.
func (s *Store) MarkTerminal(ctx context.Context, wallet core.Address, proposalID uint64, status core.ProposalStatus) error {
	defer observe("mark_terminal")()
	if status != core.StatusRejected && status != core.StatusExpired {
		return errors.Wrapf(core.ErrInvalidStateTransition, "mark %s", status)
	}
	key := proposalKey(wallet, proposalID)
	defer s.lock(key)()

	p, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return errors.Wrapf(core.ErrInvalidStateTransition, "%s from %s", status, p.Status)
	}
	return s.docs.Update(ctx, proposalsCollection, key, docstore.Document{"status": status})
}

// Reconcile refreshes the mirror from the proposal's on-chain account. Used
// after transitions this store did not itself observe confirm. A transition
// the ledger has already made wins over the mirror; the mirror never
// regresses an Executed proposal.
func (s *Store) Reconcile(ctx context.Context, wallet core.Address, proposalID uint64) (*core.Proposal, error) {
	defer observe("reconcile")()
	key := proposalKey(wallet, proposalID)
	defer s.lock(key)()

	p, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.Status == core.StatusExecuted {
		return p, nil
	}

	proposalAddr, _, err := pda.ProposalAddress(s.programID, wallet, proposalID)
	if err != nil {
		return nil, err
	}
	raw, err := s.ledger.GetAccountInfo(ctx, proposalAddr)
	if err != nil {
		return nil, errors.Wrap(err, "read proposal account")
	}
	if raw == nil {
		// Not on chain (yet, or closed). Leave the mirror alone: staleness
		// is tolerated, invented state is not.
		return p, nil
	}
	chain, err := parseProposalAccount(raw)
	if err != nil {
		return nil, err
	}
	if chain.Status == p.Status {
		return p, nil
	}
	s.logger.Info("reconciling proposal status from ledger",
		zap.Uint64("proposalId", proposalID),
		zap.String("mirror", string(p.Status)),
		zap.String("ledger", string(chain.Status)))
	p.Status = chain.Status
	if err := s.docs.Update(ctx, proposalsCollection, key, docstore.Document{"status": p.Status}); err != nil {
		return nil, err
	}
	return p, nil
}

// ProposalsByWallet lists the wallet's proposals, reconciling non-terminal
// ones against the ledger with bounded parallelism.
func (s *Store) ProposalsByWallet(ctx context.Context, wallet core.Address) ([]core.Proposal, error) {
	defer observe("proposals_by_wallet")()
	matches, err := s.docs.Query(ctx, proposalsCollection, docstore.Filter{"multisigAddress": wallet.String()})
	if err != nil {
		return nil, err
	}
	proposals := make([]core.Proposal, 0, len(matches))
	for _, m := range matches {
		var p core.Proposal
		if err := docstore.Decode(m.Doc, &p); err != nil {
			return nil, errors.Wrap(err, "decode proposal")
		}
		proposals = append(proposals, p)
	}

	refresher := iter.Iterator[core.Proposal]{MaxGoroutines: s.maxGoroutines}
	refresher.ForEach(proposals, func(p *core.Proposal) {
		if p.Status.Terminal() {
			return
		}
		refreshed, err := s.Reconcile(ctx, wallet, p.ProposalID)
		if err != nil {
			s.logger.Warn("proposal refresh failed",
				zap.Uint64("proposalId", p.ProposalID),
				zap.Error(err))
			return
		}
		*p = *refreshed
	})
	return proposals, nil
}
