// Package solanatest provides an in-memory ledger implementing the RPC surface
// used by the client. It executes associated-token-account creation and the swap
// program's operations at a 1:1 rate so flows can be tested end to end.
package solanatest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/brojonat/tokenswap/service/program"
)

type tokenAccount struct {
	mint   solana.PublicKey
	owner  solana.PublicKey
	amount uint64
}

type account struct {
	owner solana.PublicKey
	data  []byte
	token *tokenAccount
}

type status struct {
	slot         uint64
	err          interface{}
	logs         []string
	pendingPolls int
}

// Ledger is a fake RPC node. It is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	accounts    map[solana.PublicKey]*account
	mints       map[solana.PublicKey]uint8
	blockhashes []solana.Hash
	sent        []*solana.Transaction
	statuses    map[solana.Signature]*status
	slot        uint64

	swapProgram solana.PublicKey

	// Preflight simulates transactions before accepting them, rejecting
	// program failures at broadcast time like a node does by default.
	Preflight bool

	// PendingPolls is how many status polls report a new transaction as
	// processed-but-unconfirmed before it turns confirmed.
	PendingPolls int

	// BeforeSend, if set, runs before a transaction is processed. A non-nil
	// error is returned to the caller as-is and the transaction is dropped.
	BeforeSend func(tx *solana.Transaction) error

	sendErrors        []error
	accountInfoErrors []error
	balanceErrors     map[solana.PublicKey]error
	sendCalls         int
}

// NewLedger creates an empty ledger hosting the swap program at programID.
func NewLedger(programID solana.PublicKey) *Ledger {
	return &Ledger{
		accounts:      make(map[solana.PublicKey]*account),
		mints:         make(map[solana.PublicKey]uint8),
		statuses:      make(map[solana.Signature]*status),
		balanceErrors: make(map[solana.PublicKey]error),
		swapProgram:   programID,
		Preflight:     true,
	}
}

// ErrTransport is the default injected send failure.
var ErrTransport = errors.New("connection reset by peer")

// AddMint registers a token mint.
func (l *Ledger) AddMint(mint solana.PublicKey, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mints[mint] = decimals
	l.accounts[mint] = &account{owner: solana.TokenProgramID}
}

// SetTokenAccount creates or overwrites a token account.
func (l *Ledger) SetTokenAccount(address, mint, owner solana.PublicKey, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = &account{
		owner: solana.TokenProgramID,
		token: &tokenAccount{mint: mint, owner: owner, amount: amount},
	}
}

// SetAccount creates or overwrites a raw account owned by owner.
func (l *Ledger) SetAccount(address, owner solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = &account{owner: owner, data: append([]byte(nil), data...)}
}

// Balance returns a token account's amount, or 0 if it does not exist.
func (l *Ledger) Balance(address solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[address]; ok && a.token != nil {
		return a.token.amount
	}
	return 0
}

// Exists reports whether an account exists.
func (l *Ledger) Exists(address solana.PublicKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[address]
	return ok
}

// FailSends makes the next n send calls fail with err (ErrTransport if nil).
func (l *Ledger) FailSends(n int, err error) {
	if err == nil {
		err = ErrTransport
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.sendErrors = append(l.sendErrors, err)
	}
}

// FailAccountInfo makes the next n account reads fail with err (ErrTransport if nil).
func (l *Ledger) FailAccountInfo(n int, err error) {
	if err == nil {
		err = ErrTransport
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.accountInfoErrors = append(l.accountInfoErrors, err)
	}
}

// FailBalance makes every balance read of address fail with err.
func (l *Ledger) FailBalance(address solana.PublicKey, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceErrors[address] = err
}

// Blockhashes returns every blockhash handed out, oldest first.
func (l *Ledger) Blockhashes() []solana.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]solana.Hash(nil), l.blockhashes...)
}

// Sent returns every transaction the ledger accepted, in order.
func (l *Ledger) Sent() []*solana.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*solana.Transaction(nil), l.sent...)
}

// SendCalls returns the number of send attempts, including failed ones.
func (l *Ledger) SendCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendCalls
}

// RPC surface

func (l *Ledger) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slot++
	h := solana.Hash(sha256.Sum256([]byte("blockhash-" + strconv.FormatUint(l.slot, 10))))
	l.blockhashes = append(l.blockhashes, h)

	return &rpc.GetLatestBlockhashResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: l.slot}},
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            h,
			LastValidBlockHeight: l.slot + 150,
		},
	}, nil
}

func (l *Ledger) SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}

	tx, err := solana.TransactionFromBytes(rawTx)
	if err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32602, Message: "failed to deserialize transaction: " + err.Error()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sendCalls++
	if len(l.sendErrors) > 0 {
		err := l.sendErrors[0]
		l.sendErrors = l.sendErrors[1:]
		return solana.Signature{}, err
	}
	if l.BeforeSend != nil {
		if err := l.BeforeSend(tx); err != nil {
			return solana.Signature{}, err
		}
	}

	if len(tx.Signatures) == 0 {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}
	sig := tx.Signatures[0]
	if _, ok := l.statuses[sig]; ok {
		// Already processed: the node returns the same signature.
		return sig, nil
	}

	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}
	if !l.knownBlockhash(tx.Message.RecentBlockhash) {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	}

	logs, execErr := l.execute(tx)
	if execErr != nil && l.Preflight && !opts.SkipPreflight {
		return solana.Signature{}, &jsonrpc.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: " + execErr.Error(),
			Data: map[string]interface{}{
				"err":  execErr.Error(),
				"logs": toInterfaces(logs),
			},
		}
	}

	l.slot++
	st := &status{slot: l.slot, logs: logs, pendingPolls: l.PendingPolls}
	if execErr != nil {
		st.err = map[string]interface{}{"InstructionError": []interface{}{0, execErr.Error()}}
	}
	l.statuses[sig] = st
	l.sent = append(l.sent, tx)
	return sig, nil
}

func (l *Ledger) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(signatures))}
	for i, sig := range signatures {
		st, ok := l.statuses[sig]
		if !ok {
			continue
		}
		res := &rpc.SignatureStatusesResult{Slot: st.slot, Err: st.err}
		if st.pendingPolls > 0 {
			st.pendingPolls--
			res.ConfirmationStatus = rpc.ConfirmationStatusProcessed
		} else {
			res.ConfirmationStatus = rpc.ConfirmationStatusConfirmed
		}
		out.Value[i] = res
	}
	return out, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.statuses[signature]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetTransactionResult{
		Slot: st.slot,
		Meta: &rpc.TransactionMeta{Err: st.err, LogMessages: st.logs},
	}, nil
}

func (l *Ledger) GetAccountInfoWithOpts(ctx context.Context, address solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.accountInfoErrors) > 0 {
		err := l.accountInfoErrors[0]
		l.accountInfoErrors = l.accountInfoErrors[1:]
		return nil, err
	}

	a, ok := l.accounts[address]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{
			Owner:    a.owner,
			Lamports: 2_039_280,
			Data:     rpc.DataBytesOrJSONFromBytes(a.data),
		},
	}, nil
}

func (l *Ledger) GetTokenAccountBalance(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.balanceErrors[address]; err != nil {
		return nil, err
	}
	a, ok := l.accounts[address]
	if !ok || a.token == nil {
		return nil, &jsonrpc.RPCError{Code: -32602, Message: "Invalid param: could not find account"}
	}

	decimals := l.mints[a.token.mint]
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{
			Amount:         strconv.FormatUint(a.token.amount, 10),
			Decimals:       decimals,
			UiAmountString: uiAmount(a.token.amount, decimals),
		},
	}, nil
}

func (l *Ledger) knownBlockhash(h solana.Hash) bool {
	for _, b := range l.blockhashes {
		if b.Equals(h) {
			return true
		}
	}
	return false
}

// execute runs every instruction atomically. On error no state changes.
func (l *Ledger) execute(tx *solana.Transaction) ([]string, error) {
	snapshot := l.snapshot()
	var logs []string

	for _, ci := range tx.Message.Instructions {
		programID, err := tx.Message.Program(ci.ProgramIDIndex)
		if err != nil {
			l.restore(snapshot)
			return logs, err
		}
		keys := make([]solana.PublicKey, len(ci.Accounts))
		for i, idx := range ci.Accounts {
			keys[i], err = tx.Message.Account(idx)
			if err != nil {
				l.restore(snapshot)
				return logs, err
			}
		}

		logs = append(logs, fmt.Sprintf("Program %s invoke [1]", programID))
		switch {
		case programID.Equals(solana.SPLAssociatedTokenAccountProgramID):
			err = l.execATA(tx, keys, ci.Data)
		case programID.Equals(l.swapProgram):
			var progLogs []string
			progLogs, err = l.execSwapProgram(tx, keys, ci.Data)
			logs = append(logs, progLogs...)
		case programID.Equals(solana.MemoProgramID):
		default:
			err = fmt.Errorf("program %s is not deployed", programID)
		}
		if err != nil {
			logs = append(logs, fmt.Sprintf("Program %s failed: %s", programID, err))
			l.restore(snapshot)
			return logs, err
		}
		logs = append(logs, fmt.Sprintf("Program %s success", programID))
	}
	return logs, nil
}

func (l *Ledger) execATA(tx *solana.Transaction, keys []solana.PublicKey, data []byte) error {
	if len(keys) < 6 {
		return fmt.Errorf("associated token account: not enough account keys")
	}
	payer, ata, owner, mint := keys[0], keys[1], keys[2], keys[3]
	if !tx.IsSigner(payer) {
		return fmt.Errorf("associated token account: payer %s did not sign", payer)
	}
	want, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return err
	}
	if !want.Equals(ata) {
		return fmt.Errorf("associated token account: address %s does not match derived %s", ata, want)
	}
	if _, ok := l.mints[mint]; !ok {
		return fmt.Errorf("associated token account: invalid mint %s", mint)
	}

	idempotent := len(data) > 0 && data[0] == 1
	if existing, ok := l.accounts[ata]; ok {
		if idempotent && existing.token != nil && existing.token.owner.Equals(owner) && existing.token.mint.Equals(mint) {
			return nil
		}
		return fmt.Errorf("associated token account: account %s already in use", ata)
	}
	l.accounts[ata] = &account{
		owner: solana.TokenProgramID,
		token: &tokenAccount{mint: mint, owner: owner},
	}
	return nil
}

func (l *Ledger) execSwapProgram(tx *solana.Transaction, keys []solana.PublicKey, data []byte) ([]string, error) {
	op, amount, err := program.DecodeInstructionData(data)
	if err != nil {
		return nil, fmt.Errorf("custom program error: 0x65 (%v)", err)
	}

	roles := program.Roles[op]
	if len(keys) != len(roles) {
		return nil, fmt.Errorf("%s: expected %d accounts, got %d", op, len(roles), len(keys))
	}
	acc := make(map[string]solana.PublicKey, len(roles))
	for i, r := range roles {
		acc[r.Name] = keys[i]
		if r.Signer && !tx.IsSigner(keys[i]) {
			return nil, fmt.Errorf("%s: missing required signature for %s", op, r.Name)
		}
		if r.Writable {
			if w, _ := tx.IsWritable(keys[i]); !w {
				return nil, fmt.Errorf("%s: account %s must be writable", op, r.Name)
			}
		}
	}

	logs := []string{fmt.Sprintf("Program log: Instruction: %s", capitalize(string(op)))}

	if op == program.OpInitialize {
		return logs, l.initialize(acc)
	}

	state, err := l.poolState(acc[program.RoleSwapPool])
	if err != nil {
		return logs, err
	}
	if !state.Owner.Equals(acc[program.RoleOwner]) {
		return logs, fmt.Errorf("%s: owner does not match pool authority", op)
	}

	switch op {
	case program.OpFaucet:
		err = l.transfer(acc[program.RolePoolTokenAccount], acc[program.RoleUserTokenAccount], acc[program.RoleOwner], amount)
	case program.OpSwap:
		err = l.transfer(acc[program.RoleUserFromAccount], acc[program.RolePoolFromAccount], acc[program.RoleUser], amount)
		if err == nil {
			err = l.transfer(acc[program.RolePoolToAccount], acc[program.RoleUserToAccount], acc[program.RoleOwner], amount)
		}
	}
	if err != nil {
		logs = append(logs, "Program log: Error: "+err.Error())
	}
	return logs, err
}

func (l *Ledger) initialize(acc map[string]solana.PublicKey) error {
	pool := acc[program.RoleSwapPool]
	if _, ok := l.accounts[pool]; ok {
		return fmt.Errorf("initialize: account %s already in use", pool)
	}
	data, err := program.EncodeSwapPool(program.SwapPoolState{
		TokenAMint:    acc[program.RoleTokenAMint],
		TokenBMint:    acc[program.RoleTokenBMint],
		TokenAAccount: acc[program.RoleTokenAAccount],
		TokenBAccount: acc[program.RoleTokenBAccount],
		Owner:         acc[program.RoleOwner],
	})
	if err != nil {
		return err
	}
	l.accounts[pool] = &account{owner: l.swapProgram, data: data}
	return nil
}

func (l *Ledger) poolState(address solana.PublicKey) (*program.SwapPoolState, error) {
	a, ok := l.accounts[address]
	if !ok || !a.owner.Equals(l.swapProgram) {
		return nil, fmt.Errorf("AccountNotInitialized: swap pool %s", address)
	}
	return program.DecodeSwapPool(a.data)
}

// InitializePool writes pool state directly, bypassing a transaction.
func (l *Ledger) InitializePool(pool program.Pool, owner solana.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialize(program.InitializeAccounts(pool, owner))
}

func (l *Ledger) transfer(from, to, authority solana.PublicKey, amount uint64) error {
	src, ok := l.accounts[from]
	if !ok || src.token == nil {
		return fmt.Errorf("transfer: source %s is not a token account", from)
	}
	dst, ok := l.accounts[to]
	if !ok || dst.token == nil {
		return fmt.Errorf("transfer: destination %s is not a token account", to)
	}
	if !src.token.mint.Equals(dst.token.mint) {
		return fmt.Errorf("transfer: mint mismatch")
	}
	if !src.token.owner.Equals(authority) {
		return fmt.Errorf("transfer: owner does not match")
	}
	if src.token.amount < amount {
		return fmt.Errorf("transfer: insufficient funds")
	}
	src.token.amount -= amount
	dst.token.amount += amount
	return nil
}

type snapshot map[solana.PublicKey]account

func (l *Ledger) snapshot() snapshot {
	s := make(snapshot, len(l.accounts))
	for k, v := range l.accounts {
		c := *v
		if v.token != nil {
			t := *v.token
			c.token = &t
		}
		s[k] = c
	}
	return s
}

func (l *Ledger) restore(s snapshot) {
	l.accounts = make(map[solana.PublicKey]*account, len(s))
	for k, v := range s {
		v := v
		l.accounts[k] = &v
	}
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}

func uiAmount(amount uint64, decimals uint8) string {
	s := strconv.FormatUint(amount, 10)
	if decimals == 0 {
		return s
	}
	for len(s) <= int(decimals) {
		s = "0" + s
	}
	return s[:len(s)-int(decimals)] + "." + s[len(s)-int(decimals):]
}
