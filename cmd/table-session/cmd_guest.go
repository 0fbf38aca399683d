package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"table-session/internal/domain"
	"table-session/internal/session"
	"table-session/internal/session/realtime"
	"table-session/internal/session/resolver"
)

// openSession is swapped in tests to inject fakes.
var openSession = func(ctx context.Context, a *app) (*session.Session, error) {
	return session.Open(ctx, a.cfg, a.lg.Named("session"))
}

// printer is the terminal stand-in for the guest's screen.
type printer struct{ w io.Writer }

func (p printer) Redirect(url string) { fmt.Fprintf(p.w, "redirect: %s\n", url) }

func (p printer) Notify(t domain.Toast) {
	fmt.Fprintf(p.w, "%s: %s\n", t.Title, t.Description)
	if t.Action.Label != "" {
		fmt.Fprintf(p.w, "  [%s]\n", t.Action.Label)
	}
}

func (a *app) resolveCmd() *cobra.Command {
	var req resolver.Request
	cmd := &cobra.Command{
		Use:   "resolve [code]",
		Short: "Resolve a scanned QR code into a table session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Code = args[0]
			}
			s, err := openSession(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer s.Close()

			out, err := resolveOnce(cmd.Context(), s, req, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table %s at %s (%s)\n",
				out.Identity.TableNumber, out.Identity.RestaurantID, out.Identity.RestaurantCurrency)
			if out.SessionToken != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "session token: %s\n", out.SessionToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Code, "code", "", "scanned QR code")
	cmd.Flags().StringVar(&req.RestaurantID, "restaurant", "", "restaurant id from the scan URL")
	cmd.Flags().StringVar(&req.TableID, "table", "", "table id from the scan URL")
	return cmd
}

func resolveOnce(ctx context.Context, s *session.Session, req resolver.Request, w io.Writer) (resolver.Outcome, error) {
	attempt := s.Resolver.Mount(printer{w})
	defer attempt.Unmount()
	return attempt.Resolve(ctx, req)
}

func (a *app) listenCmd() *cobra.Command {
	var (
		code string
		tok  string
		dur  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow realtime events for the current table",
		Long: `listen connects to the realtime gateway for the table and its restaurant.
With --code the scan is resolved first and its session token is used.
Without it the table stored by the last resolve is used and --token is
required. Events are printed as JSON lines unless notifications are muted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if dur > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, dur)
				defer cancel()
			}
			s, err := openSession(ctx, a)
			if err != nil {
				return err
			}
			defer s.Close()

			id, token, err := identityFor(ctx, s, code, tok, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			m, release, err := s.Activate(ctx, id, token)
			if err != nil && !errors.Is(err, realtime.ErrConnectionLost) {
				return err
			}
			defer release()

			return follow(ctx, s, m, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "resolve this QR code first")
	cmd.Flags().StringVar(&tok, "token", "", "session token (defaults to the one returned by --code)")
	cmd.Flags().DurationVar(&dur, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func identityFor(ctx context.Context, s *session.Session, code, tok string, w io.Writer) (domain.ScanIdentity, string, error) {
	if code != "" {
		out, err := resolveOnce(ctx, s, resolver.Request{Code: code}, w)
		if err != nil {
			return domain.ScanIdentity{}, "", err
		}
		if tok == "" {
			tok = out.SessionToken
		}
		return out.Identity, tok, nil
	}

	rec, err := s.Bridge.Recover(ctx)
	if err != nil {
		return domain.ScanIdentity{}, "", err
	}
	switch {
	case rec.Identity != nil:
		return *rec.Identity, tok, nil
	case rec.Hint != nil:
		return domain.ScanIdentity{
			QRCode:       rec.Hint.QRCode,
			RestaurantID: rec.Hint.RestaurantID,
			TableID:      rec.Hint.TableID,
		}, tok, nil
	}
	return domain.ScanIdentity{}, "", errors.New("no table session stored; pass --code")
}

type eventLine struct {
	domain.Event
	Sound bool `json:"sound"`
}

func follow(ctx context.Context, s *session.Session, m *realtime.Manager, out, status io.Writer) error {
	events := make(chan domain.Event, 64)
	offEv := m.On("*", func(ev domain.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer offEv()
	offSt := m.OnStateChange(func(st realtime.State) {
		if st.LastError != nil {
			fmt.Fprintf(status, "realtime: %s (attempt %d): %v\n", st.Status, st.Attempt, st.LastError)
			return
		}
		fmt.Fprintf(status, "realtime: %s\n", st.Status)
	})
	defer offSt()
	fmt.Fprintf(status, "realtime: %s\n", m.State().Status)

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			n := s.Notice(ev)
			if !n.Show {
				continue
			}
			if err := enc.Encode(eventLine{Event: n.Event, Sound: n.Sound}); err != nil {
				return err
			}
		}
	}
}

func (a *app) muteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mute [notifications|audio|status]",
		Short:     "Toggle or show the guest's notification preferences",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"notifications", "audio", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, a)
			if err != nil {
				return err
			}
			defer s.Close()

			st := s.Mute.State()
			switch args[0] {
			case "notifications":
				st, err = s.Mute.ToggleNotificationsMute(ctx)
			case "audio":
				st, err = s.Mute.ToggleAudioMute(ctx)
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if st.NotificationsMuted {
				fmt.Fprintf(w, "notifications: muted (%s left)\n", st.Remaining(time.Now()).Round(time.Second))
			} else {
				fmt.Fprintln(w, "notifications: on")
			}
			if st.AudioMuted {
				fmt.Fprintln(w, "audio: muted")
			} else {
				fmt.Fprintln(w, "audio: on")
			}
			return nil
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Show the identity a cold start would recover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.Bridge.Recover(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func (a *app) forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Drop the stored table session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Bridge.Clear(cmd.Context())
		},
	}
}
