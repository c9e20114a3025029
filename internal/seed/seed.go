package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fireframe/internal/models"
	"fireframe/internal/posts"
	"fireframe/internal/profiles"
	"fireframe/internal/provider"
)

// DefaultPassword is shared by every seeded account.
const DefaultPassword = "Passw0rd!demo"

// Options configuration for the seeder
type Options struct {
	NumUsers     int
	PostsPerUser int
	Password     string
	// ClearPosts deletes every existing post first. Accounts are never
	// deleted.
	ClearPosts bool
	// DryRun builds the data without writing anything.
	DryRun     bool
	RandomSeed int64
}

func (o Options) withDefaults() Options {
	if o.NumUsers <= 0 {
		o.NumUsers = 10
	}
	if o.PostsPerUser < 0 {
		o.PostsPerUser = 0
	}
	if o.Password == "" {
		o.Password = DefaultPassword
	}
	return o
}

// Accounts creates sign-in identities. backend.AuthService and every
// provider.Auth satisfy it.
type Accounts interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*models.Session, error)
}

// Result summarizes a run.
type Result struct {
	Users        []models.User
	PostIDs      []string
	Skipped      int
	ClearedPosts int
}

// Seeder writes demo data.
type Seeder struct {
	accounts Accounts
	profiles *profiles.Service
	posts    *posts.API
	log      *slog.Logger
}

// NewSeeder creates a Seeder.
func NewSeeder(accounts Accounts, profileSvc *profiles.Service, postAPI *posts.API) *Seeder {
	return &Seeder{accounts: accounts, profiles: profileSvc, posts: postAPI, log: slog.Default()}
}

// Run signs up opts.NumUsers demo accounts, fills in their profiles and
// gives each opts.PostsPerUser posts. Accounts that already exist are
// skipped, so re-running with the same seed is safe.
func (s *Seeder) Run(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	f := NewFactory(opts)
	var res Result

	if opts.ClearPosts && !opts.DryRun {
		n, err := s.clearPosts(ctx)
		if err != nil {
			return res, err
		}
		res.ClearedPosts = n
	}

	for i := 0; i < opts.NumUsers; i++ {
		spec := f.BuildUser(i)
		if opts.DryRun {
			user := models.User{Username: spec.Username, Email: spec.Email, Bio: spec.Bio, Contacts: spec.Contacts}
			res.Users = append(res.Users, user)
			continue
		}

		user, err := s.createUser(ctx, spec, opts.Password)
		if errors.Is(err, provider.ErrUserAlreadyExists) || errors.Is(err, provider.ErrUsernameTaken) {
			s.log.InfoContext(ctx, "seed user exists, skipping", slog.String("email", spec.Email))
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed user %s: %w", spec.Username, err)
		}
		res.Users = append(res.Users, user)

		for _, post := range f.BuildPosts(i, user, opts.PostsPerUser) {
			id, err := s.posts.AddPost(ctx, post)
			if err != nil {
				return res, fmt.Errorf("seed post for %s: %w", user.Username, err)
			}
			res.PostIDs = append(res.PostIDs, id)
		}
	}

	s.log.InfoContext(ctx, "seeding complete",
		slog.Int("users", len(res.Users)),
		slog.Int("posts", len(res.PostIDs)),
		slog.Int("skipped", res.Skipped),
		slog.Bool("dry_run", opts.DryRun))
	return res, nil
}

func (s *Seeder) createUser(ctx context.Context, spec UserSpec, password string) (models.User, error) {
	sess, err := s.accounts.SignUp(ctx, spec.Email, password, map[string]any{"username": spec.Username})
	if err != nil {
		return models.User{}, err
	}
	if _, err := s.profiles.Fetch(ctx, sess.User); err != nil {
		return models.User{}, err
	}
	return s.profiles.Update(ctx, sess.User.ID, models.ProfileUpdate{Bio: &spec.Bio, Contacts: spec.Contacts})
}

func (s *Seeder) clearPosts(ctx context.Context) (int, error) {
	all, err := s.posts.GetAllPosts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list posts: %w", err)
	}
	n := 0
	for _, p := range all {
		deleted, err := s.posts.DeletePost(ctx, p.ID)
		if err != nil {
			return n, fmt.Errorf("delete post %s: %w", p.ID, err)
		}
		if deleted {
			n++
		}
	}
	return n, nil
}
