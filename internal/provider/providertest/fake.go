// Package providertest is an in-memory provider.Provider for tests of code
// that sits above the provider interface.
package providertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fireframe/internal/models"
	"fireframe/internal/provider"
)

// Operation names accepted by Fail.
const (
	OpSelect    = "tables.select"
	OpInsert    = "tables.insert"
	OpUpdate    = "tables.update"
	OpDelete    = "tables.delete"
	OpUpload    = "storage.upload"
	OpSubscribe = "realtime.subscribe"
)

// Upload records one Storage.Upload call.
type Upload struct {
	Bucket      string
	Path        string
	Size        int64
	ContentType string
	Upsert      bool
}

// Fake implements provider.Provider with maps. Tables store rows as JSON
// objects so any row struct round-trips; writes publish change events
// synchronously to matching subscribers.
type Fake struct {
	BaseURL string

	mu       sync.Mutex
	rows     map[string][]map[string]any
	objects  map[string][]byte
	uploads  []Upload
	failures map[string]error
	calls    map[string]int
	subs     map[int]fakeSub
	nextSub  int

	// deliver serializes handler calls across subscriptions.
	deliver sync.Mutex

	auth *FakeAuth
	now  func() time.Time
}

type fakeSub struct {
	sub     provider.Subscription
	handler func(provider.ChangeEvent)
}

var _ provider.Provider = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	f := &Fake{
		BaseURL:  "http://fireframe.test",
		rows:     make(map[string][]map[string]any),
		objects:  make(map[string][]byte),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		subs:     make(map[int]fakeSub),
		now:      func() time.Time { return time.Now().UTC() },
	}
	f.auth = newFakeAuth()
	return f
}

func (f *Fake) Auth() provider.Auth         { return f.auth }
func (f *Fake) Tables() provider.Tables     { return fakeTables{f} }
func (f *Fake) Storage() provider.Storage   { return fakeStorage{f} }
func (f *Fake) Realtime() provider.Realtime { return fakeRealtime{f} }
func (f *Fake) Close() error                { return nil }

// FakeAuth returns the concrete auth double.
func (f *Fake) FakeAuth() *FakeAuth { return f.auth }

// Fail makes every later call of op return err. A nil err clears it.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls reports how often op was attempted.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Uploads returns the recorded uploads in call order.
func (f *Fake) Uploads() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Upload(nil), f.uploads...)
}

// Object returns a stored object.
func (f *Fake) Object(bucket, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[bucket+"/"+path]
	return b, ok
}

// Count returns the number of rows in table.
func (f *Fake) Count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

// Subscribers returns the number of live subscriptions.
func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Seed stores rows without publishing events.
func (f *Fake) Seed(table string, rows ...any) {
	for _, r := range rows {
		m, err := toMap(r)
		if err != nil {
			panic(err)
		}
		f.mu.Lock()
		f.rows[table] = append(f.rows[table], m)
		f.mu.Unlock()
	}
}

// Emit delivers ev to matching subscribers without touching the tables.
func (f *Fake) Emit(ev provider.ChangeEvent) {
	if ev.Schema == "" {
		ev.Schema = provider.DefaultSchema
	}
	if ev.CommitTimestamp.IsZero() {
		ev.CommitTimestamp = f.now()
	}
	f.mu.Lock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	targets := make([]fakeSub, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, f.subs[id])
	}
	f.mu.Unlock()

	f.deliver.Lock()
	defer f.deliver.Unlock()
	for _, s := range targets {
		if ok, err := s.sub.Matches(ev); err == nil && ok {
			s.handler(ev)
		}
	}
}

// begin counts op and returns its injected failure. Callers hold mu.
func (f *Fake) begin(op string) error {
	f.calls[op]++
	return f.failures[op]
}

func toMap(row any) (map[string]any, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMaps(rows []map[string]any, dest any) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func matches(row map[string]any, filters []provider.Filter) bool {
	for _, flt := range filters {
		v, ok := row[flt.Column]
		if !ok || fmt.Sprint(v) != fmt.Sprint(flt.Value) {
			return false
		}
	}
	return true
}

func less(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		at, aerr := time.Parse(time.RFC3339Nano, as)
		bt, berr := time.Parse(time.RFC3339Nano, bs)
		if aerr == nil && berr == nil {
			return at.Before(bt)
		}
		return as < bs
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

type fakeTables struct{ f *Fake }

func (t fakeTables) find(table string, q provider.Query) []map[string]any {
	var out []map[string]any
	for _, r := range t.f.rows[table] {
		if matches(r, q.Filters) {
			out = append(out, r)
		}
	}
	if q.Order != nil {
		col, asc := q.Order.Column, q.Order.Ascending
		sort.SliceStable(out, func(i, j int) bool {
			if asc {
				return less(out[i][col], out[j][col])
			}
			return less(out[j][col], out[i][col])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (t fakeTables) Select(_ context.Context, table string, q provider.Query, dest any) error {
	t.f.mu.Lock()
	if err := t.f.begin(OpSelect); err != nil {
		t.f.mu.Unlock()
		return err
	}
	rows := t.find(table, q)
	t.f.mu.Unlock()
	if rows == nil {
		rows = []map[string]any{}
	}
	return fromMaps(rows, dest)
}

func (t fakeTables) SelectSingle(_ context.Context, table string, q provider.Query, dest any) error {
	t.f.mu.Lock()
	if err := t.f.begin(OpSelect); err != nil {
		t.f.mu.Unlock()
		return err
	}
	q.Limit = 2
	rows := t.find(table, q)
	t.f.mu.Unlock()
	if len(rows) != 1 {
		return &provider.Error{Code: provider.CodeNoRows, Message: "JSON object requested, multiple (or no) rows returned"}
	}
	b, err := json.Marshal(rows[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func (t fakeTables) Insert(_ context.Context, table string, row any) error {
	m, err := toMap(row)
	if err != nil {
		return err
	}
	t.f.mu.Lock()
	if err := t.f.begin(OpInsert); err != nil {
		t.f.mu.Unlock()
		return err
	}
	if id, _ := m["id"].(string); id == "" {
		m["id"] = uuid.NewString()
	}
	for _, r := range t.f.rows[table] {
		if r["id"] == m["id"] || (table == "users" && r["username"] == m["username"]) {
			t.f.mu.Unlock()
			return &provider.Error{Code: provider.CodeUniqueViolation, Message: "duplicate key value violates unique constraint"}
		}
	}
	t.f.rows[table] = append(t.f.rows[table], m)
	t.f.mu.Unlock()

	b, _ := json.Marshal(m)
	if err := json.Unmarshal(b, row); err != nil {
		return err
	}
	t.f.Emit(provider.ChangeEvent{EventType: provider.EventInsert, Table: table, New: b})
	return nil
}

func (t fakeTables) Update(_ context.Context, table string, values map[string]any, filters ...provider.Filter) (int64, error) {
	t.f.mu.Lock()
	if err := t.f.begin(OpUpdate); err != nil {
		t.f.mu.Unlock()
		return 0, err
	}
	if len(filters) == 0 {
		t.f.mu.Unlock()
		return 0, &provider.Error{Code: provider.CodeInvalidInput, Message: "update requires a filter"}
	}
	normalized, err := toMap(values)
	if err != nil {
		t.f.mu.Unlock()
		return 0, err
	}
	var changed [][]byte
	for _, r := range t.f.rows[table] {
		if !matches(r, filters) {
			continue
		}
		for k, v := range normalized {
			r[k] = v
		}
		b, _ := json.Marshal(r)
		changed = append(changed, b)
	}
	t.f.mu.Unlock()

	for _, b := range changed {
		t.f.Emit(provider.ChangeEvent{EventType: provider.EventUpdate, Table: table, New: b})
	}
	return int64(len(changed)), nil
}

func (t fakeTables) Delete(_ context.Context, table string, filters ...provider.Filter) (int64, error) {
	t.f.mu.Lock()
	if err := t.f.begin(OpDelete); err != nil {
		t.f.mu.Unlock()
		return 0, err
	}
	if len(filters) == 0 {
		t.f.mu.Unlock()
		return 0, &provider.Error{Code: provider.CodeInvalidInput, Message: "delete requires a filter"}
	}
	var kept []map[string]any
	var removed [][]byte
	for _, r := range t.f.rows[table] {
		if matches(r, filters) {
			b, _ := json.Marshal(r)
			removed = append(removed, b)
			continue
		}
		kept = append(kept, r)
	}
	t.f.rows[table] = kept
	t.f.mu.Unlock()

	for _, b := range removed {
		t.f.Emit(provider.ChangeEvent{EventType: provider.EventDelete, Table: table, Old: b})
	}
	return int64(len(removed)), nil
}

type fakeStorage struct{ f *Fake }

func (s fakeStorage) Upload(_ context.Context, bucket, path string, r io.Reader, size int64, opts provider.UploadOptions) (provider.ObjectInfo, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.f.begin(OpUpload); err != nil {
		return provider.ObjectInfo{}, err
	}
	key := bucket + "/" + path
	if _, exists := s.f.objects[key]; exists && !opts.Upsert {
		return provider.ObjectInfo{}, &provider.Error{Code: provider.CodeDuplicate, Message: "The resource already exists"}
	}
	s.f.objects[key] = body
	s.f.uploads = append(s.f.uploads, Upload{Bucket: bucket, Path: path, Size: int64(len(body)), ContentType: opts.ContentType, Upsert: opts.Upsert})
	return provider.ObjectInfo{Bucket: bucket, Path: path, Size: int64(len(body)), ContentType: opts.ContentType}, nil
}

func (s fakeStorage) Download(_ context.Context, bucket, path string) (io.ReadCloser, provider.ObjectInfo, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	b, ok := s.f.objects[bucket+"/"+path]
	if !ok {
		return nil, provider.ObjectInfo{}, &provider.Error{Code: provider.CodeNotFound, Message: "Object not found"}
	}
	return io.NopCloser(bytes.NewReader(b)), provider.ObjectInfo{Bucket: bucket, Path: path, Size: int64(len(b))}, nil
}

func (s fakeStorage) PublicURL(bucket, path string) string {
	return strings.TrimRight(s.f.BaseURL, "/") + "/storage/v1/object/public/" + bucket + "/" + path
}

type fakeRealtime struct{ f *Fake }

func (r fakeRealtime) Subscribe(ctx context.Context, sub provider.Subscription, handler func(provider.ChangeEvent)) (provider.Unsubscribe, error) {
	r.f.mu.Lock()
	if err := r.f.begin(OpSubscribe); err != nil {
		r.f.mu.Unlock()
		return nil, err
	}
	if _, _, err := provider.ParseFilter(sub.Filter); err != nil {
		r.f.mu.Unlock()
		return nil, &provider.Error{Code: provider.CodeInvalidInput, Message: "invalid subscription filter", Err: err}
	}
	id := r.f.nextSub
	r.f.nextSub++
	r.f.subs[id] = fakeSub{sub: sub, handler: handler}
	r.f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.f.mu.Lock()
			delete(r.f.subs, id)
			r.f.mu.Unlock()
		})
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			stop()
		}()
	}
	return stop, nil
}

// FakeAuth is an in-memory provider.Auth. Passwords are stored in clear.
type FakeAuth struct {
	mu        sync.Mutex
	users     map[string]fakeUser
	session   *models.Session
	listeners map[int]provider.AuthStateListener
	nextID    int
	signInErr error

	// SignInGate, when set, blocks SignInWithPassword until it is closed or
	// the context ends.
	SignInGate chan struct{}
}

type fakeUser struct {
	id       string
	password string
	metadata map[string]any
}

func newFakeAuth() *FakeAuth {
	return &FakeAuth{users: make(map[string]fakeUser), listeners: make(map[int]provider.AuthStateListener)}
}

// AddUser registers an account and returns its id.
func (a *FakeAuth) AddUser(email, password string, metadata map[string]any) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.NewString()
	a.users[strings.ToLower(email)] = fakeUser{id: id, password: password, metadata: metadata}
	return id
}

// FailSignIn makes password sign-in return err until cleared with nil.
func (a *FakeAuth) FailSignIn(err error) {
	a.mu.Lock()
	a.signInErr = err
	a.mu.Unlock()
}

func (a *FakeAuth) sessionFor(email string, u fakeUser) *models.Session {
	return &models.Session{
		AccessToken: "token-" + u.id,
		TokenType:   "bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        models.AuthUser{ID: u.id, Email: email, UserMetadata: u.metadata},
	}
}

func (a *FakeAuth) emit(event provider.AuthEvent, sess *models.Session) {
	a.mu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]provider.AuthStateListener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, a.listeners[id])
	}
	a.mu.Unlock()
	for _, l := range ls {
		l(event, sess)
	}
}

// SetSession replaces the current session and notifies listeners.
func (a *FakeAuth) SetSession(event provider.AuthEvent, sess *models.Session) {
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	a.emit(event, sess)
}

func (a *FakeAuth) SignUp(_ context.Context, email, password string, metadata map[string]any) (*models.Session, error) {
	a.mu.Lock()
	key := strings.ToLower(email)
	if _, ok := a.users[key]; ok {
		a.mu.Unlock()
		return nil, provider.ErrUserAlreadyExists
	}
	u := fakeUser{id: uuid.NewString(), password: password, metadata: metadata}
	a.users[key] = u
	a.mu.Unlock()
	sess := a.sessionFor(key, u)
	a.SetSession(provider.AuthSignedIn, sess)
	return sess, nil
}

func (a *FakeAuth) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	if gate := a.SignInGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	if a.signInErr != nil {
		err := a.signInErr
		a.mu.Unlock()
		return nil, err
	}
	key := strings.ToLower(email)
	u, ok := a.users[key]
	a.mu.Unlock()
	if !ok || u.password != password {
		return nil, provider.ErrInvalidCredentials
	}
	sess := a.sessionFor(key, u)
	a.SetSession(provider.AuthSignedIn, sess)
	return sess, nil
}

func (a *FakeAuth) SignInWithOAuth(_ context.Context, providerName, redirectTo string) (string, error) {
	if providerName == "" {
		return "", provider.ErrUnknownProvider
	}
	return "https://oauth.test/" + providerName + "?redirect_to=" + redirectTo, nil
}

func (a *FakeAuth) ExchangeCodeForSession(_ context.Context, providerName, code, state string) (*models.Session, error) {
	if code == "" || state == "" {
		return nil, provider.ErrInvalidOAuthState
	}
	email := code + "@" + providerName + ".test"
	a.mu.Lock()
	u, ok := a.users[email]
	if !ok {
		u = fakeUser{id: uuid.NewString(), metadata: map[string]any{"provider": providerName}}
		a.users[email] = u
	}
	a.mu.Unlock()
	sess := a.sessionFor(email, u)
	a.SetSession(provider.AuthSignedIn, sess)
	return sess, nil
}

func (a *FakeAuth) SignOut(context.Context) error {
	a.SetSession(provider.AuthSignedOut, nil)
	return nil
}

func (a *FakeAuth) ResetPasswordForEmail(context.Context, string, string) error { return nil }

func (a *FakeAuth) UpdatePassword(_ context.Context, token, _ string) error {
	if token == "" {
		return provider.ErrInvalidRecovery
	}
	return nil
}

func (a *FakeAuth) GetSession(context.Context) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, nil
}

func (a *FakeAuth) GetUser(_ context.Context, accessToken string) (*models.AuthUser, error) {
	if accessToken == "" {
		return nil, provider.ErrSessionMissing
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for email, u := range a.users {
		if "token-"+u.id == accessToken {
			return &models.AuthUser{ID: u.id, Email: email, UserMetadata: u.metadata}, nil
		}
	}
	return nil, provider.ErrInvalidToken
}

func (a *FakeAuth) OnAuthStateChange(listener provider.AuthStateListener) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = listener
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}
