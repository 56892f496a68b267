package registration

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
	"github.com/platinummonkey/consortium/pkg/rbac"
	"github.com/platinummonkey/consortium/pkg/snapshot"
	"github.com/platinummonkey/consortium/pkg/store"
)

var hasher = auth.NewHasher(bcrypt.MinCost)

var superAdmin = &auth.Principal{ID: "sa", Username: "superadmin", Role: auth.RoleSuperAdmin}

type flakyKV struct {
	snapshot.KV
	mu   sync.Mutex
	fail bool
}

func (k *flakyKV) Put(ctx context.Context, key string, v interface{}) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail {
		return errors.New("snapshot write failed")
	}
	return k.KV.Put(ctx, key, v)
}

// revertFailStore refuses every write that moves a request back to pending
type revertFailStore struct {
	store.Store
}

func (s revertFailStore) Update(ctx context.Context, collection, id string, patch store.Patch) (store.Document, error) {
	if patch.Set["status"] == StatusPending {
		return store.Document{}, errs.Transport("store.update", errors.New("connection reset"))
	}
	return s.Store.Update(ctx, collection, id, patch)
}

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	roster *auth.Roster
	kv     *flakyKV
	audit  *audit.MemoryLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	fileKV, err := snapshot.NewFileKV(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)
	kv := &flakyKV{KV: fileKV}

	rootHash, err := hasher.Hash("root-pw")
	require.NoError(t, err)
	roster, err := auth.LoadRoster(ctx, kv, []auth.Seed{
		{Principal: auth.Principal{ID: "sa", Username: "superadmin", Role: auth.RoleSuperAdmin}, PasswordHash: rootHash},
	}, nil)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	_, err = store.Insert(ctx, s, store.CollectionLibrarianAccounts, "l1", auth.LibrarianAccount{
		ID: "l1", Username: "bms_lib", Password: rootHash, CollegeName: "BMS College",
	})
	require.NoError(t, err)

	f := &fixture{store: s, roster: roster, kv: kv, audit: audit.NewMemoryLogger()}
	f.svc = NewService(Config{
		Store:     s,
		Roster:    roster,
		Directory: auth.NewStoreDirectory(s, 0, 0),
		Hasher:    hasher,
		Audit:     f.audit,
	})
	return f
}

func aliceInput() SubmitInput {
	return SubmitInput{
		Username:        "alice",
		Email:           "alice@example.org",
		Password:        "wonderland",
		ConfirmPassword: "wonderland",
		Role:            auth.RoleAdmin,
		Permissions:     []string{"view_resources"},
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitInput)
	}{
		{"missing username", func(in *SubmitInput) { in.Username = "  " }},
		{"missing email", func(in *SubmitInput) { in.Email = "" }},
		{"bad email", func(in *SubmitInput) { in.Email = "alice" }},
		{"short password", func(in *SubmitInput) { in.Password, in.ConfirmPassword = "abc", "abc" }},
		{"unconfirmed password", func(in *SubmitInput) { in.ConfirmPassword = "wonderlanD" }},
		{"superadmin role", func(in *SubmitInput) { in.Role = auth.RoleSuperAdmin }},
		{"unknown role", func(in *SubmitInput) { in.Role = "janitor" }},
		{"roster username", func(in *SubmitInput) { in.Username = "superadmin" }},
		{"directory username", func(in *SubmitInput) { in.Username = "bms_lib" }},
		{"librarian without college", func(in *SubmitInput) { in.Role, in.CollegeName = auth.RoleLibrarian, "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := aliceInput()
			tt.mutate(&in)
			_, err := f.svc.Submit(ctx, in)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}

	docs, err := f.store.List(ctx, collection)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubmit_PendingUsernameIsReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, aliceInput())
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSubmit_StoresHashedPassword(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.Submit(context.Background(), aliceInput())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.NotEqual(t, "wonderland", req.Password)
	assert.True(t, hasher.Verify(req.Password, "wonderland"))
	assert.Len(t, f.audit.Find(audit.EventTypeRegistrationSubmit), 1)
}

// Scenario A
func TestApprove_MaterializesPrincipalOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, superAdmin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "superadmin", approved.DecidedBy)

	alice, ok := f.roster.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, auth.RoleAdmin, alice.Role)
	assert.Equal(t, []string{"view_resources"}, alice.Permissions)
	assert.Equal(t, "superadmin", alice.CreatedBy)

	hash, ok := f.roster.Credential("alice")
	require.True(t, ok)
	assert.True(t, hasher.Verify(hash, "wonderland"))

	again, err := f.svc.Approve(ctx, superAdmin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, again.Status)

	admins := 0
	for _, p := range f.roster.List() {
		if p.Username == "alice" {
			admins++
		}
	}
	assert.Equal(t, 1, admins)
	assert.Len(t, f.audit.Find(audit.EventTypeRegistrationApprove), 1)
}

func TestApprove_LibrarianKeepsCollege(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := aliceInput()
	in.Role = auth.RoleLibrarian
	in.CollegeName = " RV College "
	in.LibrarianName = "Alice Liddell"
	in.CollegeURL = "https://rvce.example"
	req, err := f.svc.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "RV College", req.CollegeName)

	_, err = f.svc.Approve(ctx, superAdmin, req.ID)
	require.NoError(t, err)

	alice, ok := f.roster.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, auth.RoleLibrarian, alice.Role)
	assert.Equal(t, "RV College", alice.CollegeName)
	assert.Equal(t, "Alice Liddell", alice.LibrarianName)
	assert.Equal(t, "https://rvce.example", alice.CollegeURL)
	assert.True(t, rbac.SameCollege(alice, "rv college"))
}

func TestSubmit_CollegeIgnoredForOtherRoles(t *testing.T) {
	f := newFixture(t)

	in := aliceInput()
	in.CollegeName = "RV College"
	req, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, req.CollegeName)
}

func TestDecisions_AreTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rejectedReq, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)
	rejected, err := f.svc.Reject(ctx, superAdmin, rejectedReq.ID, " duplicate account ")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "duplicate account", rejected.Reason)

	_, err = f.svc.Approve(ctx, superAdmin, rejectedReq.ID)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
	_, err = f.svc.Reject(ctx, superAdmin, rejectedReq.ID, "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyDecided))
	assert.False(t, f.roster.Exists("alice"))

	in := aliceInput()
	in.Username = "bob"
	approvedReq, err := f.svc.Submit(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, superAdmin, approvedReq.ID)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, superAdmin, approvedReq.ID, "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyDecided))
	assert.True(t, f.roster.Exists("bob"))
}

func TestDecide_RequiresSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)

	actors := []*auth.Principal{
		nil,
		{Username: "adm", Role: auth.RoleAdmin},
		{Username: "pub", Role: auth.RolePublisher},
		{Username: "lib", Role: auth.RoleLibrarian, CollegeName: "BMS College"},
	}
	for _, actor := range actors {
		_, err := f.svc.Approve(ctx, actor, req.ID)
		assert.True(t, errors.Is(err, errs.ErrForbidden))
		_, err = f.svc.Reject(ctx, actor, req.ID, "no")
		assert.True(t, errors.Is(err, errs.ErrForbidden))
		_, err = f.svc.List(ctx, actor, "")
		assert.True(t, errors.Is(err, errs.ErrForbidden))
	}

	doc, err := f.store.Get(ctx, collection, req.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.False(t, f.roster.Exists("alice"))
}

func TestApprove_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Approve(context.Background(), superAdmin, "nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = f.svc.Reject(context.Background(), superAdmin, "nope", "")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestApprove_RosterFailureReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)

	f.kv.fail = true
	_, err = f.svc.Approve(ctx, superAdmin, req.ID)
	require.Error(t, err)
	var partial *errs.PartialFailure
	assert.False(t, errors.As(err, &partial))

	current, _, err := f.svc.load(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
	assert.Empty(t, current.DecidedBy)
	assert.False(t, f.roster.Exists("alice"))

	f.kv.fail = false
	approved, err := f.svc.Approve(ctx, superAdmin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.True(t, f.roster.Exists("alice"))
}

func TestApprove_FailedRevertIsPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)

	f.svc.store = revertFailStore{Store: f.store}
	f.kv.fail = true
	_, err = f.svc.Approve(ctx, superAdmin, req.ID)

	var partial *errs.PartialFailure
	require.True(t, errors.As(err, &partial))
	assert.True(t, errors.Is(err, errs.ErrTransport))

	// a later approval repairs the missing principal
	f.kv.fail = false
	repaired, err := f.svc.Approve(ctx, superAdmin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, repaired.Status)
	assert.True(t, f.roster.Exists("alice"))
}

func TestApprove_ConcurrentApprovalsAddOnePrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.Submit(ctx, aliceInput())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errCh := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Approve(ctx, superAdmin, req.ID)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		assert.NoError(t, err)
	}

	alice, ok := f.roster.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, req.ID, alice.ID)
}

func TestListAndCountPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := start
	f.svc.now = func() time.Time { return clock }

	for i, name := range []string{"alice", "bob", "carol"} {
		in := aliceInput()
		in.Username = name
		clock = start.Add(time.Duration(i) * 24 * time.Hour)
		_, err := f.svc.Submit(ctx, in)
		require.NoError(t, err)
	}
	all, err := f.svc.List(ctx, superAdmin, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].Username)

	_, err = f.svc.Reject(ctx, superAdmin, all[0].ID, "")
	require.NoError(t, err)

	pending, err := f.svc.List(ctx, superAdmin, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := f.svc.CountPending(ctx, start.Add(36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
