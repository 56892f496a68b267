package passwordreset

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/consortium/pkg/audit"
	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/notify"
	"github.com/platinummonkey/consortium/pkg/snapshot"
	"github.com/platinummonkey/consortium/pkg/store"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

var hasher = auth.NewHasher(bcrypt.MinCost)

type captureSender struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (c *captureSender) Send(ctx context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

// toggleKV fails writes on demand
type toggleKV struct {
	snapshot.KV
	mu   sync.Mutex
	fail bool
}

func (k *toggleKV) Put(ctx context.Context, key string, v interface{}) error {
	k.mu.Lock()
	fail := k.fail
	k.mu.Unlock()
	if fail {
		return errors.New("snapshot disk full")
	}
	return k.KV.Put(ctx, key, v)
}

func (k *toggleKV) setFail(fail bool) {
	k.mu.Lock()
	k.fail = fail
	k.mu.Unlock()
}

type recordingInvalidator struct {
	mu   sync.Mutex
	hits []string
}

func (r *recordingInvalidator) TriggerUpdate(c string) {
	r.mu.Lock()
	r.hits = append(r.hits, c)
	r.mu.Unlock()
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	roster *auth.Roster
	kv     *toggleKV
	sender *captureSender
	audit  *audit.MemoryLogger
	inv    *recordingInvalidator
	auth   *auth.Authenticator
	clock  time.Time
}

var (
	superAdmin = &auth.Principal{ID: "sa", Username: "superadmin", Role: auth.RoleSuperAdmin}
	librarian  = &auth.Principal{ID: "l1", Username: "rv_lib", Role: auth.RoleLibrarian, CollegeName: "RV College"}
)

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := hasher.Hash(pw)
	require.NoError(t, err)
	return h
}

func newFixture(t *testing.T, mode workflow.DecisionMode) *fixture {
	t.Helper()
	return newFixtureWithRootEmail(t, mode, "")
}

// newFixtureWithRootEmail seeds the super-admin with a configured address
func newFixtureWithRootEmail(t *testing.T, mode workflow.DecisionMode, rootEmail string) *fixture {
	t.Helper()
	ctx := context.Background()

	fileKV, err := snapshot.NewFileKV(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)
	kv := &toggleKV{KV: fileKV}

	roster, err := auth.LoadRoster(ctx, kv, []auth.Seed{
		{Principal: auth.Principal{ID: "sa", Username: "superadmin", Role: auth.RoleSuperAdmin, Email: rootEmail}, PasswordHash: mustHash(t, "old-root-pw")},
		{Principal: auth.Principal{ID: "pub", Username: "publisher1", Role: auth.RolePublisher}, PasswordHash: mustHash(t, "old-pub-pw")},
	}, nil)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	_, err = store.Insert(ctx, s, store.CollectionLibrarianAccounts, "l1", auth.LibrarianAccount{
		ID: "l1", Username: "rv_lib", Password: mustHash(t, "old-lib-pw"),
		CollegeName: "RV College", LibrarianName: "Meera", Email: "meera@rvce.example",
	})
	require.NoError(t, err)

	directory := auth.NewStoreDirectory(s, 0, 0)
	sender := &captureSender{}
	mem := audit.NewMemoryLogger()
	inv := &recordingInvalidator{}

	f := &fixture{store: s, roster: roster, kv: kv, sender: sender, audit: mem, inv: inv,
		clock: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}

	f.svc = NewService(Config{
		Store:       s,
		Roster:      roster,
		Directory:   directory,
		Hasher:      hasher,
		Sender:      sender,
		Mode:        mode,
		Invalidator: inv,
		Audit:       mem,
	})
	f.svc.now = func() time.Time { return f.clock }
	f.svc.newCode = func() (string, error) { return "123456", nil }

	sessions, err := auth.LoadSessions(ctx, fileKV, time.Hour)
	require.NoError(t, err)
	f.auth = auth.NewAuthenticator(auth.AuthenticatorConfig{
		Roster:     roster,
		Directory:  directory,
		Restricted: auth.NewRestrictedColleges(nil),
		Hasher:     hasher,
		Rotator:    f.svc,
		Sessions:   sessions,
		Audit:      mem,
	})
	return f
}

func (f *fixture) submit(t *testing.T, in SubmitInput) *SubmitResult {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	return res
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9')
		}
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SubmitInput
		kind error
	}{
		{"missing username", SubmitInput{NewPassword: "abcdef", ConfirmPassword: "abcdef"}, errs.ErrValidation},
		{"short password", SubmitInput{Username: "rv_lib", NewPassword: "abc", ConfirmPassword: "abc"}, errs.ErrValidation},
		{"mismatch", SubmitInput{Username: "rv_lib", NewPassword: "abcdef", ConfirmPassword: "abcdeg"}, errs.ErrValidation},
		{"unknown user", SubmitInput{Username: "ghost", NewPassword: "abcdef", ConfirmPassword: "abcdef"}, errs.ErrNotFound},
		{"superadmin without email", SubmitInput{Username: "superadmin", NewPassword: "abcdef", ConfirmPassword: "abcdef"}, errs.ErrValidation},
		{"superadmin bad email", SubmitInput{Username: "superadmin", NewPassword: "abcdef", ConfirmPassword: "abcdef", Email: "nope"}, errs.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.in)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}

	docs, err := f.store.List(ctx, collection)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, f.sender.sent)
}

func TestSubmit_LibrarianAwaitsApproval(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)

	res := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})
	assert.Equal(t, StepAwaitingApproval, res.Step)

	req := res.Request
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, auth.RoleLibrarian, req.UserType)
	assert.Equal(t, "RV College", req.CollegeName)
	assert.Equal(t, "meera@rvce.example", req.UserEmailForOTP)
	assert.Empty(t, req.OTPCodeHash)
	assert.Nil(t, req.OTPExpiry)
	assert.NotEqual(t, "new-lib-pw", req.NewPasswordHash)
	assert.True(t, hasher.Verify(req.NewPasswordHash, "new-lib-pw"))
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.inv.count())
}

// Scenario B
func TestSuperAdminOTPFlow(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()

	res := f.submit(t, SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: "x@y.com"})
	assert.Equal(t, StepEnterOTP, res.Step)
	assert.Equal(t, StatusPendingOTP, res.Request.Status)
	require.NotNil(t, res.Request.OTPExpiry)
	assert.Equal(t, f.clock.Add(DefaultOTPTTL), *res.Request.OTPExpiry)
	assert.NotContains(t, res.Request.OTPCodeHash, "123456")

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "x@y.com", f.sender.sent[0].To)
	assert.Contains(t, f.sender.sent[0].Text, "123456")

	_, err := f.svc.VerifyOTP(ctx, res.Request.ID, "654321")
	assert.Equal(t, errs.ErrInvalidCode, err)
	stored, _, err := f.svc.load(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingOTP, stored.Status)

	f.clock = f.clock.Add(9 * time.Minute)
	approved, err := f.svc.VerifyOTP(ctx, res.Request.ID, " 123456 ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, OTPComment, approved.AdminComments)

	_, err = f.svc.VerifyOTP(ctx, res.Request.ID, "123456")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	_, err = f.svc.VerifyOTP(ctx, "missing", "123456")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestSubmit_CodeGoesToConfiguredSuperAdminAddress(t *testing.T) {
	f := newFixtureWithRootEmail(t, workflow.TerminalOnce, "root@consortium.example")

	tests := []struct {
		name  string
		email string
	}{
		{"other address", "attacker@evil.example"},
		{"same address in other case", "Root@Consortium.Example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.sender.sent = nil
			res := f.submit(t, SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: tt.email})

			assert.Equal(t, StepEnterOTP, res.Step)
			assert.Equal(t, StatusPendingOTP, res.Request.Status)
			assert.Equal(t, "root@consortium.example", res.Request.UserEmailForOTP)
			require.Len(t, f.sender.sent, 1)
			assert.Equal(t, "root@consortium.example", f.sender.sent[0].To)
		})
	}
}

func TestVerifyOTP_ExpiredNeverApproves(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()

	res := f.submit(t, SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: "x@y.com"})

	f.clock = f.clock.Add(DefaultOTPTTL + time.Second)
	_, err := f.svc.VerifyOTP(ctx, res.Request.ID, "123456")
	assert.True(t, errors.Is(err, errs.ErrExpired))

	// still expired on retry, never approved
	_, err = f.svc.VerifyOTP(ctx, res.Request.ID, "123456")
	assert.True(t, errors.Is(err, errs.ErrExpired))

	stored, _, err := f.svc.load(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingOTP, stored.Status)
}

func TestSubmit_UndeliverableCodeIsRemoved(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	f.sender.err = errs.Transport("notify.send", errors.New("smtp down"))

	_, err := f.svc.Submit(context.Background(), SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: "x@y.com"})
	assert.True(t, errors.Is(err, errs.ErrTransport))

	docs, err := f.store.List(context.Background(), collection)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDecide_RoleGate(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})

	publisher := &auth.Principal{Username: "publisher1", Role: auth.RolePublisher}
	for _, actor := range []*auth.Principal{librarian, publisher, nil} {
		_, err := f.svc.Approve(ctx, actor, res.Request.ID, "")
		assert.True(t, errors.Is(err, errs.ErrForbidden))
		_, err = f.svc.Reject(ctx, actor, res.Request.ID, "")
		assert.True(t, errors.Is(err, errs.ErrForbidden))
	}
	_, err := f.svc.List(ctx, librarian, Filter{})
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	stored, version, err := f.svc.load(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, int64(1), version)
}

func TestDecide_SuperAdminRequestsUseCode(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	res := f.submit(t, SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: "x@y.com"})

	_, err := f.svc.Approve(context.Background(), superAdmin, res.Request.ID, "")
	assert.True(t, errors.Is(err, errs.ErrForbidden))
}

func TestDecide_TerminalOnce(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})

	rejected, err := f.svc.Reject(ctx, superAdmin, res.Request.ID, "  not verified by phone ")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "not verified by phone", rejected.AdminComments)
	assert.Equal(t, "superadmin", rejected.DecidedBy)

	_, err = f.svc.Approve(ctx, superAdmin, res.Request.ID, "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyDecided))
	_, err = f.svc.Reject(ctx, superAdmin, res.Request.ID, "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyDecided))

	_, err = f.svc.Approve(ctx, superAdmin, "missing", "")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestDecide_Revisable(t *testing.T) {
	f := newFixture(t, workflow.Revisable)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})

	_, err := f.svc.Approve(ctx, superAdmin, res.Request.ID, "ok")
	require.NoError(t, err)
	rejected, err := f.svc.Reject(ctx, superAdmin, res.Request.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	approved, err := f.svc.Approve(ctx, superAdmin, res.Request.ID, "ok again")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)

	// completed requests stay completed
	_, err = f.auth.Authenticate(ctx, "rv_lib", "new-lib-pw", auth.ChannelStandard)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, superAdmin, res.Request.ID, "too late")
	assert.True(t, errors.Is(err, errs.ErrAlreadyDecided))
}

func TestDecide_ConcurrentDecisionsOneWinner(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, results[i] = f.svc.Approve(ctx, superAdmin, res.Request.ID, "")
			} else {
				_, results[i] = f.svc.Reject(ctx, superAdmin, res.Request.ID, "")
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, errs.ErrAlreadyDecided) || errors.Is(err, errs.ErrConflict), "got %v", err)
	}
	assert.Equal(t, 1, wins)
}

// lazy rotation at login
func TestRotation_LibrarianAtNextLogin(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})

	// approval alone changes nothing
	_, err := f.svc.Approve(ctx, superAdmin, res.Request.ID, "")
	require.NoError(t, err)
	_, err = f.auth.Authenticate(ctx, "rv_lib", "old-lib-pw", auth.ChannelStandard)
	require.NoError(t, err)

	p, err := f.auth.Authenticate(ctx, "rv_lib", "new-lib-pw", auth.ChannelStandard)
	require.NoError(t, err)
	assert.Equal(t, "RV College", p.CollegeName)

	stored, _, err := f.svc.load(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	_, err = f.auth.Authenticate(ctx, "rv_lib", "old-lib-pw", auth.ChannelStandard)
	assert.Equal(t, errs.ErrAuthDenied, err)
	assert.Len(t, f.audit.Find(audit.EventTypeAuthCredentialRotated), 1)
}

func TestRotation_SuperAdminAfterOTP(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: "x@y.com"})
	_, err := f.svc.VerifyOTP(ctx, res.Request.ID, "123456")
	require.NoError(t, err)

	p, err := f.auth.Authenticate(ctx, "superadmin", "new-root-pw", auth.ChannelStandard)
	require.NoError(t, err)
	assert.True(t, p.IsSuperAdmin())

	_, err = f.auth.Authenticate(ctx, "superadmin", "old-root-pw", auth.ChannelStandard)
	assert.Equal(t, errs.ErrAuthDenied, err)
}

func TestRotation_WrongPasswordOrPendingDoesNothing(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "publisher1", NewPassword: "new-pub-pw", ConfirmPassword: "new-pub-pw"})

	rotated, err := f.svc.RotateCredential(ctx, "publisher1", "new-pub-pw")
	require.NoError(t, err)
	assert.False(t, rotated)

	_, err = f.svc.Approve(ctx, superAdmin, res.Request.ID, "")
	require.NoError(t, err)

	rotated, err = f.svc.RotateCredential(ctx, "publisher1", "something-else")
	require.NoError(t, err)
	assert.False(t, rotated)
	rotated, err = f.svc.RotateCredential(ctx, "other", "new-pub-pw")
	require.NoError(t, err)
	assert.False(t, rotated)

	rotated, err = f.svc.RotateCredential(ctx, "publisher1", "new-pub-pw")
	require.NoError(t, err)
	assert.True(t, rotated)

	// only once
	rotated, err = f.svc.RotateCredential(ctx, "publisher1", "new-pub-pw")
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestRotation_RetiresOtherApprovedRequests(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()

	first := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "first-pw", ConfirmPassword: "first-pw"})
	second := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "second-pw", ConfirmPassword: "second-pw"})
	other := f.submit(t, SubmitInput{Username: "publisher1", NewPassword: "new-pub-pw", ConfirmPassword: "new-pub-pw"})
	for _, id := range []string{first.Request.ID, second.Request.ID, other.Request.ID} {
		_, err := f.svc.Approve(ctx, superAdmin, id, "")
		require.NoError(t, err)
	}

	_, err := f.auth.Authenticate(ctx, "rv_lib", "second-pw", auth.ChannelStandard)
	require.NoError(t, err)

	stored, _, err := f.svc.load(ctx, first.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, SupersededComment, stored.AdminComments)

	// the superseded password neither logs in nor rotates back
	_, err = f.auth.Authenticate(ctx, "rv_lib", "first-pw", auth.ChannelStandard)
	assert.Equal(t, errs.ErrAuthDenied, err)
	_, err = f.auth.Authenticate(ctx, "rv_lib", "second-pw", auth.ChannelStandard)
	require.NoError(t, err)

	// other users keep their approved requests
	stored, _, err = f.svc.load(ctx, other.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestRotation_CredentialWriteFailureReverts(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()
	res := f.submit(t, SubmitInput{Username: "publisher1", NewPassword: "new-pub-pw", ConfirmPassword: "new-pub-pw"})
	_, err := f.svc.Approve(ctx, superAdmin, res.Request.ID, "")
	require.NoError(t, err)

	f.kv.setFail(true)
	rotated, err := f.svc.RotateCredential(ctx, "publisher1", "new-pub-pw")
	assert.Error(t, err)
	assert.False(t, rotated)

	stored, _, err := f.svc.load(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	// the next login retries the rotation
	f.kv.setFail(false)
	_, err = f.auth.Authenticate(ctx, "publisher1", "new-pub-pw", auth.ChannelStandard)
	require.NoError(t, err)
}

func TestListAndCountPending(t *testing.T) {
	f := newFixture(t, workflow.TerminalOnce)
	ctx := context.Background()

	first := f.submit(t, SubmitInput{Username: "rv_lib", NewPassword: "new-lib-pw", ConfirmPassword: "new-lib-pw"})
	f.clock = f.clock.Add(2 * time.Hour)
	f.submit(t, SubmitInput{Username: "publisher1", NewPassword: "new-pub-pw", ConfirmPassword: "new-pub-pw"})
	f.submit(t, SubmitInput{Username: "superadmin", NewPassword: "new-root-pw", ConfirmPassword: "new-root-pw", Email: "x@y.com"})

	all, err := f.svc.List(ctx, superAdmin, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.Request.ID, all[0].ID)

	pending, err := f.svc.List(ctx, superAdmin, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	libs, err := f.svc.List(ctx, superAdmin, Filter{UserType: auth.RoleLibrarian})
	require.NoError(t, err)
	assert.Len(t, libs, 1)

	n, err := f.svc.CountPending(ctx, f.clock.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
