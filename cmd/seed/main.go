// Command seed fills the configured backend with demo accounts and posts.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"fireframe/internal/bootstrap"
	"fireframe/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 10, "Number of users to create")
	postsPerUser := flag.Int("posts", 5, "Posts per user")
	clearPosts := flag.Bool("clean", false, "Delete existing posts before seeding")
	dryRun := flag.Bool("dry-run", false, "Build the data without writing it")
	randomSeed := flag.Int64("seed", 0, "Random seed; 0 picks one")
	password := flag.String("password", seed.DefaultPassword, "Password for every seeded account")
	flag.Parse()

	rt, err := bootstrap.Init(bootstrap.Options{Service: "fireframe-seed"})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	ctx := context.Background()
	defer func() { _ = rt.Close(ctx) }()

	a, b, err := rt.OpenApp(ctx)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}
	defer func() { _ = a.Close() }()

	s := seed.NewSeeder(b.AuthService(), a.Profiles, a.Posts)
	res, err := s.Run(ctx, seed.Options{
		NumUsers:     *numUsers,
		PostsPerUser: *postsPerUser,
		Password:     *password,
		ClearPosts:   *clearPosts,
		DryRun:       *dryRun,
		RandomSeed:   *randomSeed,
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	for _, u := range res.Users {
		rt.Log.Info("seeded user", slog.String("username", u.Username), slog.String("email", u.Email))
	}
	rt.Log.Info("all done",
		slog.Int("users", len(res.Users)),
		slog.Int("posts", len(res.PostIDs)),
		slog.Int("skipped", res.Skipped),
		slog.Int("cleared_posts", res.ClearedPosts),
		slog.String("password", *password))
}
