/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"net/http/pprof"

	"github.com/julienschmidt/httprouter"
)

func registerProfileHandlers(cfg *Config, mux *httprouter.Router) {
	mux.Handler(http.MethodGet, cfg.prefix+"/pprof/allocs", pprof.Handler("allocs"))
	mux.Handler(http.MethodGet, cfg.prefix+"/pprof/block", pprof.Handler("block"))
	mux.Handler(http.MethodGet, cfg.prefix+"/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handler(http.MethodGet, cfg.prefix+"/pprof/heap", pprof.Handler("heap"))
	mux.Handler(http.MethodGet, cfg.prefix+"/pprof/mutex", pprof.Handler("mutex"))
	mux.Handler(http.MethodGet, cfg.prefix+"/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.HandlerFunc(http.MethodGet, cfg.prefix+"/pprof/cmdline", pprof.Cmdline)
	mux.HandlerFunc(http.MethodGet, cfg.prefix+"/pprof/profile", pprof.Profile)
	mux.HandlerFunc(http.MethodGet, cfg.prefix+"/pprof/symbol", pprof.Symbol)
	mux.HandlerFunc(http.MethodGet, cfg.prefix+"/pprof/trace", pprof.Trace)
}
