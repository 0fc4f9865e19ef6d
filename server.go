package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 10 * time.Second

// server is the web front end: a URL form plus article pages rendered from
// the cache.
type server struct {
	echo      *echo.Echo
	retriever *retriever
	errorMsg  string
	infoText  string
	logger    *slog.Logger
}

func newServer(r *retriever, cfg *appConfig, logger *slog.Logger) *server {
	s := &server{
		echo:      echo.New(),
		retriever: r,
		errorMsg:  cfg.ErrorMessage,
		infoText:  cfg.InfoText,
		logger:    logger,
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ctx := c.Request().Context()
			if v.Error != nil {
				logger.ErrorContext(ctx, "request failed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds(),
					"error", v.Error)
				return nil
			}
			logger.InfoContext(ctx, "request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/", s.handleIndex)
	e.POST("/", s.handleSubmit)
	e.GET("/healthz", s.handleHealth)
	e.GET("/api/articles/:source/:id", s.handleArticleJSON)
	// :id may carry a .md suffix for the Markdown rendition.
	e.GET("/:source/:id", s.handleArticle)
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *server) serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *server) handleIndex(c echo.Context) error {
	return c.HTML(http.StatusOK, renderIndexPage(s.infoText, ""))
}

func (s *server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleSubmit resolves a pasted URL and redirects to the article page.
// tvnet articles are fetched here because only this request knows the URL.
func (s *server) handleSubmit(c echo.Context) error {
	rawURL := strings.TrimSpace(c.FormValue("url"))
	src, id, err := resolveArticleURL(rawURL)
	if err != nil {
		s.logger.Info("rejected url", "url", rawURL, "error", err)
		return c.HTML(http.StatusBadRequest, renderIndexPage(s.infoText, s.errorMsg))
	}

	if src == sourceTvnet {
		if _, err := s.retriever.retrieve(c.Request().Context(), src, id, rawURL); err != nil {
			return s.internalError(c, err)
		}
	}
	return c.Redirect(http.StatusSeeOther, "/"+string(src)+"/"+id)
}

// handleArticle renders a cached or freshly fetched article as HTML, or as
// Markdown when the id ends in .md.
func (s *server) handleArticle(c echo.Context) error {
	id := c.Param("id")
	markdown := strings.HasSuffix(id, ".md")
	id = strings.TrimSuffix(id, ".md")

	a, err := s.lookup(c, c.Param("source"), id)
	if err != nil {
		return s.internalError(c, err)
	}
	if a == nil {
		return c.HTML(http.StatusNotFound, renderIndexPage(s.infoText, s.errorMsg))
	}

	if markdown {
		md, err := articleToMarkdown(a)
		if err != nil {
			return s.internalError(c, err)
		}
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(md+"\n"))
	}
	return c.HTML(http.StatusOK, renderArticlePage(a))
}

func (s *server) handleArticleJSON(c echo.Context) error {
	a, err := s.lookup(c, c.Param("source"), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if a == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": s.errorMsg})
	}
	return c.JSON(http.StatusOK, a)
}

// lookup returns nil, nil for unknown sources, malformed ids and articles
// that could not be obtained.
func (s *server) lookup(c echo.Context, rawSource, id string) (*Article, error) {
	src, err := parseSource(rawSource)
	if err != nil || !isNumericID(id) {
		return nil, nil
	}
	return s.retriever.retrieve(c.Request().Context(), src, id, "")
}

func (s *server) internalError(c echo.Context, err error) error {
	s.logger.ErrorContext(c.Request().Context(), "request aborted", "uri", c.Request().RequestURI, "error", err)
	return c.HTML(http.StatusInternalServerError, renderIndexPage(s.infoText, s.errorMsg))
}
