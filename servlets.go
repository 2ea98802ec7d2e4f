package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fzft/go-mini-tomcat/container"
	"github.com/fzft/go-mini-tomcat/log"
	"github.com/fzft/go-mini-tomcat/session"
	"go.uber.org/zap"
)

// mountServlets installs the bundled demo application.
func mountServlets(ctx *container.Context) error {
	if err := ctx.AddFilter("access-log", "/", container.FilterFunc(accessLog)); err != nil {
		return err
	}
	if err := ctx.AddServlet("hello", "/hello", http.HandlerFunc(hello)); err != nil {
		return err
	}
	if err := ctx.AddServlet("greet", "/greet/:name", http.HandlerFunc(greet), http.MethodGet); err != nil {
		return err
	}
	if err := ctx.AddServlet("counter", "/session/count", http.HandlerFunc(sessionCounter)); err != nil {
		return err
	}
	if err := ctx.AddServlet("logout", "/session/logout", http.HandlerFunc(logout)); err != nil {
		return err
	}
	ctx.Sessions().AddListener(session.ListenerFuncs{
		Created: func(s *session.Session) {
			log.Logger.Info("session created", zap.String("id", s.ID()))
		},
		Destroyed: func(s *session.Session) {
			log.Logger.Info("session destroyed", zap.String("id", s.ID()))
		},
	})
	return nil
}

func accessLog(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := time.Now()
	next.ServeHTTP(w, r)
	log.Logger.Debug("access",
		zap.String("remote", r.RemoteAddr),
		zap.String("method", r.Method),
		zap.String("uri", r.RequestURI),
		zap.Duration("took", time.Since(start)))
}

func hello(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if name == "" {
		name = "world"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "hello, %s\n", name)
}

func greet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "greetings, %s\n", container.Params(r).ByName("name"))
}

func sessionCounter(w http.ResponseWriter, r *http.Request) {
	s, err := container.SessionFrom(r, true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n, _ := s.Attribute("visits")
	visits, _ := n.(int)
	visits++
	s.SetAttribute("visits", visits)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "session %s visits %d\n", s.ID(), visits)
}

func logout(w http.ResponseWriter, r *http.Request) {
	s, err := container.SessionFrom(r, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s != nil {
		s.Invalidate()
	}
	http.SetCookie(w, &http.Cookie{Name: session.CookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}
