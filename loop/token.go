// Package loop drives a predict-then-deliver cycle over a stream of frames.
// Each run is tagged with a token; results from a run whose token is no
// longer current are dropped instead of delivered.
package loop

import "sync/atomic"

type Token uint64

// TokenSource issues strictly increasing tokens. The zero value is ready to
// use and its Current token is 0, which no run ever holds.
type TokenSource struct {
	cur atomic.Uint64
}

func (s *TokenSource) Next() Token { return Token(s.cur.Add(1)) }

func (s *TokenSource) Current() Token { return Token(s.cur.Load()) }

func (s *TokenSource) IsCurrent(t Token) bool { return t == s.Current() }
