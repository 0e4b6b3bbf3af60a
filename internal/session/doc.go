// Package session manages interactive agent sessions inside workspace
// containers.
//
// The Registry owns the one-session-per-workspace mapping: it creates
// sessions lazily and exactly once per workspace even under concurrent
// demand, tracks in-flight request counts, and evicts sessions that stay
// idle past their grace period. The Controller is the low-level half: it
// drives tmux inside the container over the Docker exec API, tagging each
// prompt with routing metadata so the agent's output can be correlated back
// to the originating request.
package session
