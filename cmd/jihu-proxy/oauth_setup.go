package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"jihu_proxy/internal/credentials"
	"jihu_proxy/internal/httpapi"
)

const applicationsURL = "https://jihulab.com/-/user_settings/applications"

type oauthSetupOptions struct {
	clientID     string
	clientSecret string
	redirectURI  string
	open         bool
	wait         bool
	timeout      time.Duration
}

func (a *app) newOAuthSetupCmd() *cobra.Command {
	opts := &oauthSetupOptions{}
	cmd := &cobra.Command{
		Use:   "oauth-setup",
		Short: "Authorize the proxy against Jihu GitLab",
		Long: "Stores the GitLab application credentials and prints the authorization URL. " +
			"The callback is received by a running proxy, or by a temporary listener with --wait.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
				return runOAuthSetup(cmd, deps, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "GitLab application ID")
	cmd.Flags().StringVar(&opts.clientSecret, "client-secret", "", "GitLab application secret")
	cmd.Flags().StringVar(&opts.redirectURI, "redirect-uri", "", "Registered redirect URI (default: stored value or "+credentials.DefaultRedirectURI+")")
	cmd.Flags().BoolVar(&opts.open, "open", false, "Open the authorization URL in a browser")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Listen on the redirect URI and complete the exchange here")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "How long --wait waits for the callback")
	return cmd
}

func runOAuthSetup(cmd *cobra.Command, deps *httpapi.Dependencies, opts *oauthSetupOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	clientID, clientSecret, err := resolveClientCredentials(cmd, deps, opts)
	if err != nil {
		return err
	}

	redirectURI := opts.redirectURI
	if redirectURI == "" {
		redirectURI = deps.Resolver.RedirectURI(ctx)
	}
	if _, err := neturl.ParseRequestURI(redirectURI); err != nil {
		return fmt.Errorf("invalid redirect uri %q: %w", redirectURI, err)
	}

	for key, value := range map[string]string{
		credentials.KeyClientID:     clientID,
		credentials.KeyClientSecret: clientSecret,
		credentials.KeyRedirectURI:  redirectURI,
	} {
		if err := deps.Settings.Set(ctx, key, value); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	if err := credentials.WriteSnapshot(deps.SnapshotPath, map[string]string{
		credentials.KeyClientID:     clientID,
		credentials.KeyClientSecret: clientSecret,
		credentials.KeyRedirectURI:  redirectURI,
	}); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to write %s: %v\n", deps.SnapshotPath, err)
	}

	authURL := deps.Tokens.AuthorizeURL(clientID, redirectURI)
	fmt.Fprintln(out, "Open the following URL in a browser to authorize jihu-proxy:")
	fmt.Fprintln(out, authURL)
	if opts.open {
		if err := openBrowser(authURL); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not open a browser: %v\n", err)
		}
	}

	if !opts.wait {
		fmt.Fprintf(out, "The proxy serving %s will store the tokens once you approve.\n", redirectURI)
		return nil
	}
	return waitForCallback(ctx, out, deps, redirectURI, opts.timeout)
}

// resolveClientCredentials prefers flags, then stored values, then a prompt.
func resolveClientCredentials(cmd *cobra.Command, deps *httpapi.Dependencies, opts *oauthSetupOptions) (string, string, error) {
	ctx := cmd.Context()
	clientID := strings.TrimSpace(opts.clientID)
	clientSecret := strings.TrimSpace(opts.clientSecret)
	if clientID == "" {
		clientID, _ = deps.Resolver.ClientID(ctx)
	}
	if clientSecret == "" {
		clientSecret, _ = deps.Resolver.ClientSecret(ctx)
	}
	if clientID != "" && clientSecret != "" {
		return clientID, clientSecret, nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Create a GitLab application at", applicationsURL)
	fmt.Fprintf(out, "with redirect URI %s and the 'api' scope.\n", credentials.DefaultRedirectURI)

	reader := bufio.NewReader(cmd.InOrStdin())
	var err error
	if clientID == "" {
		if clientID, err = promptLine(reader, out, "Application ID: "); err != nil {
			return "", "", fmt.Errorf("read application id: %w", err)
		}
	}
	if clientSecret == "" {
		if clientSecret, err = promptLine(reader, out, "Secret: "); err != nil {
			return "", "", fmt.Errorf("read secret: %w", err)
		}
	}
	if clientID == "" || clientSecret == "" {
		return "", "", errors.New("client id and client secret are required")
	}
	return clientID, clientSecret, nil
}

func promptLine(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// waitForCallback serves the redirect URI until one callback succeeds,
// reusing the proxy's own callback handler for the exchange.
func waitForCallback(ctx context.Context, out io.Writer, deps *httpapi.Dependencies, redirectURI string, timeout time.Duration) error {
	u, err := neturl.Parse(redirectURI)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", u.Host, err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	handler := httpapi.NewOAuthHandler(deps.Resolver, deps.Tokens, deps.JWT, deps.SnapshotPath)
	done := make(chan error, 1)

	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, req.ProtoMajor)
		handler.Callback(ww, req)

		var result error
		if ww.Status() != http.StatusOK {
			result = fmt.Errorf("oauth callback failed with status %d", ww.Status())
		}
		select {
		case done <- result:
		default:
		}
	})

	server := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = server.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(out, "Waiting for the callback on %s ...\n", redirectURI)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Authorization complete; access and refresh tokens saved.")
		return nil
	case <-timer.C:
		return fmt.Errorf("no oauth callback received within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
