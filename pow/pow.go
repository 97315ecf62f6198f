// Package pow answers the proof-of-work challenges the chat service issues
// before a completion request. Computing the hash itself is left to an
// external solver; this package only moves challenges and answers around.
package pow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/meanwhile131/deepseek-cli/errors"
)

// Challenge is the puzzle returned by the create_pow_challenge endpoint.
type Challenge struct {
	Algorithm  string  `json:"algorithm"`
	Challenge  string  `json:"challenge"`
	Salt       string  `json:"salt"`
	Difficulty float64 `json:"difficulty"`
	ExpireAt   int64   `json:"expire_at"`
	Signature  string  `json:"signature"`
	TargetPath string  `json:"target_path"`
}

// Solver turns a challenge into the value of the x-ds-pow-response header.
type Solver interface {
	Solve(ctx context.Context, c Challenge) (string, error)
}

type answer struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Answer     int64  `json:"answer"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

// Encode packs a numeric answer into the header token the server expects.
func Encode(c Challenge, n int64) (string, error) {
	data, err := json.Marshal(answer{
		Algorithm:  c.Algorithm,
		Challenge:  c.Challenge,
		Salt:       c.Salt,
		Answer:     n,
		Signature:  c.Signature,
		TargetPath: c.TargetPath,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode pow answer")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// StaticSolver returns the same token for every challenge.
type StaticSolver struct {
	Token string
}

func (s StaticSolver) Solve(ctx context.Context, c Challenge) (string, error) {
	return s.Token, nil
}

// CommandSolver runs an external program with the challenge as JSON on stdin.
// The program prints either the numeric answer, which is packed with Encode,
// or a finished header token.
type CommandSolver struct {
	Command string
	Args    []string
}

func (s CommandSolver) Solve(ctx context.Context, c Challenge) (string, error) {
	in, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode pow challenge")
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "pow solver %s failed: %s", s.Command, strings.TrimSpace(stderr.String()))
	}

	res := strings.TrimSpace(string(out))
	if res == "" {
		return "", errors.New("pow solver %s printed nothing", s.Command)
	}
	if n, err := strconv.ParseInt(res, 10, 64); err == nil {
		return Encode(c, n)
	}
	if f, err := strconv.ParseFloat(res, 64); err == nil && f == float64(int64(f)) {
		return Encode(c, int64(f))
	}
	return res, nil
}
