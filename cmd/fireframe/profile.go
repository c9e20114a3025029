package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fireframe/internal/models"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show and edit profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [username]",
	Short: "Show your profile or someone else's public profile",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfileShow,
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Edit your profile",
	Long: `Edit your profile. Only the flags you pass are changed.

Contacts are private unless marked public with the matching --public-* flag.

Examples:
  fireframe profile update --bio "shoots film"
  fireframe profile update --website https://ada.dev --public-website
  fireframe profile update --messaging signal:ada`,
	Args: cobra.NoArgs,
	RunE: runProfileUpdate,
}

var profileAvatarCmd = &cobra.Command{
	Use:   "avatar <file>",
	Short: "Upload a new avatar image",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileAvatar,
}

func init() {
	addProfileUpdateFlags(profileUpdateCmd)

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileUpdateCmd)
	profileCmd.AddCommand(profileAvatarCmd)

	rootCmd.AddCommand(profileCmd)
}

func addProfileUpdateFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("username", "", "new username")
	f.String("bio", "", "new bio")
	f.String("website", "", "website URL")
	f.Bool("public-website", false, "show the website on your public profile")
	f.String("phone", "", "phone number")
	f.Bool("public-phone", false, "show the phone number on your public profile")
	f.String("messaging", "", "messaging handle as platform:username")
	f.Bool("public-messaging", false, "show the messaging handle on your public profile")
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if len(args) == 1 {
			u, err := s.app.Profiles.GetByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			pub := u.PublicView()
			pub.Email = ""
			return printUser(cmd, pub)
		}
		if err := s.requireSignedIn(); err != nil {
			return err
		}
		return printUser(cmd, *s.app.AuthStore.Snapshot().User)
	})
}

func printUser(cmd *cobra.Command, u models.User) error {
	return newPrinter(cmd).print(u, func(w *tabwriter.Writer) {
		row := func(k, v string) {
			if v != "" {
				fmt.Fprintf(w, "%s\t%s\n", k, v)
			}
		}
		row("ID", u.ID)
		row("Username", u.Username)
		row("Email", u.Email)
		row("Bio", u.Bio)
		row("Avatar", u.AvatarURL)
		if c := u.Contacts; c != nil {
			if c.Website != nil {
				row("Website", contactLabel(c.Website.Value, c.Website.IsPublic))
			}
			if c.Phone != nil {
				row("Phone", contactLabel(c.Phone.Value, c.Phone.IsPublic))
			}
			if c.Messaging != nil {
				row("Messaging", contactLabel(c.Messaging.Platform+":"+c.Messaging.Username, c.Messaging.IsPublic))
			}
		}
	})
}

func contactLabel(v string, public bool) string {
	if public {
		return v
	}
	return v + " (private)"
}

// profileUpdate builds the patch from the flags that were set. Contact
// flags are merged into current.
func profileUpdate(cmd *cobra.Command, current *models.Contacts) (models.ProfileUpdate, error) {
	f := cmd.Flags()
	var upd models.ProfileUpdate
	if f.Changed("username") {
		v, _ := f.GetString("username")
		upd.Username = &v
	}
	if f.Changed("bio") {
		v, _ := f.GetString("bio")
		upd.Bio = &v
	}

	contacts := models.Contacts{}
	if current != nil {
		contacts = *current
	}
	touched := false
	if f.Changed("website") || f.Changed("public-website") {
		v, pub := contactFlags(cmd, "website", contacts.Website)
		contacts.Website = &models.ContactValue{Value: v, IsPublic: pub}
		touched = true
	}
	if f.Changed("phone") || f.Changed("public-phone") {
		v, pub := contactFlags(cmd, "phone", contacts.Phone)
		contacts.Phone = &models.ContactValue{Value: v, IsPublic: pub}
		touched = true
	}
	if f.Changed("messaging") || f.Changed("public-messaging") {
		m := models.MessagingContact{}
		if contacts.Messaging != nil {
			m = *contacts.Messaging
		}
		if f.Changed("messaging") {
			v, _ := f.GetString("messaging")
			platform, handle, ok := cutHandle(v)
			if !ok {
				return upd, fmt.Errorf("--messaging must look like platform:username")
			}
			m.Platform, m.Username = platform, handle
		}
		if f.Changed("public-messaging") {
			m.IsPublic, _ = f.GetBool("public-messaging")
		}
		contacts.Messaging = &m
		touched = true
	}
	if touched {
		upd.Contacts = &contacts
	}
	if upd.Empty() {
		return upd, fmt.Errorf("nothing to update; pass at least one flag")
	}
	return upd, nil
}

func contactFlags(cmd *cobra.Command, name string, current *models.ContactValue) (string, bool) {
	var v string
	var pub bool
	if current != nil {
		v, pub = current.Value, current.IsPublic
	}
	if cmd.Flags().Changed(name) {
		v, _ = cmd.Flags().GetString(name)
	}
	if cmd.Flags().Changed("public-" + name) {
		pub, _ = cmd.Flags().GetBool("public-" + name)
	}
	return v, pub
}

func cutHandle(s string) (string, string, bool) {
	platform, handle, ok := strings.Cut(s, ":")
	return platform, handle, ok && platform != "" && handle != ""
}

func runProfileUpdate(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.requireSignedIn(); err != nil {
			return err
		}
		upd, err := profileUpdate(cmd, s.app.AuthStore.Snapshot().User.Contacts)
		if err != nil {
			return err
		}
		if err := s.app.AuthStore.UpdateProfile(ctx, upd); err != nil {
			return err
		}
		return printUser(cmd, *s.app.AuthStore.Snapshot().User)
	})
}

func runProfileAvatar(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.requireSignedIn(); err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open avatar: %w", err)
		}
		defer func() { _ = f.Close() }()

		url, err := s.app.AuthStore.UploadAvatar(ctx, filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		return newPrinter(cmd).print(map[string]string{"avatarUrl": url}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Avatar updated: %s\n", url)
		})
	})
}
