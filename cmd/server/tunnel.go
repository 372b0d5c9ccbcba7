package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/Tyrowin/chatrelay/internal/server"
)

// runTunnel serves handler through an ngrok endpoint until ctx is done. A
// tunnel that cannot start is logged and skipped; the local listener keeps
// running.
func runTunnel(ctx context.Context, cfg server.NgrokConfig, allowedOrigins []string, handler http.Handler, logger *slog.Logger) {
	if cfg.AuthToken == "" {
		logger.Warn("ngrok enabled but no auth token provided (set NGROK_AUTHTOKEN or NGROK_AUTH_TOKEN)")
		return
	}

	var endpoint ngrokConfig.Tunnel
	if cfg.Domain != "" {
		endpoint = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
	} else {
		endpoint = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		logger.Error("failed to start ngrok tunnel", "error", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn("failed to close ngrok tunnel", "error", err)
		}
	}()

	publicURL := tun.URL()
	logger.Info("ngrok tunnel established",
		"url", publicURL,
		"websocket", "wss"+strings.TrimPrefix(publicURL, "https")+"/ws",
	)
	if !originAllowed(allowedOrigins, publicURL) {
		logger.Warn("tunnel origin is not an allowed origin; browsers using the tunnel will be refused",
			"origin", publicURL,
			"hint", "set NGROK_DOMAIN or add the origin with --allowed-origin",
		)
	}

	if err := http.Serve(tun, handler); err != nil && ctx.Err() == nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("ngrok server error", "error", err)
	}
	logger.Info("ngrok tunnel closed")
}

// allowTunnelOrigin adds the reserved tunnel domain to the allowed WebSocket
// origins, so pages served through the tunnel can open /ws.
func allowTunnelOrigin(cfg *server.Config) {
	if !cfg.Ngrok.Enabled || cfg.Ngrok.Domain == "" {
		return
	}

	origin := tunnelOrigin(cfg.Ngrok.Domain)
	if originAllowed(cfg.AllowedOrigins, origin) {
		return
	}
	cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
}

// tunnelOrigin turns a bare domain such as chat.ngrok.app into an https origin.
func tunnelOrigin(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), "/")
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

func originAllowed(origins []string, origin string) bool {
	origin = strings.TrimSuffix(origin, "/")
	for _, allowed := range origins {
		allowed = strings.TrimSuffix(strings.TrimSpace(allowed), "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
