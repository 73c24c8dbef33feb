package signer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/nooterra/settld/internal/kernelerr"
)

// Subprocess is a signer backend that shells out to an external plugin
// binary and exchanges one line-delimited JSON request/response per
// signature. This is the shape recon/reconciler.go-style plugin hosts in
// the teacher pack use for out-of-process credential handling, adapted
// here for signing instead of secrets retrieval.
type Subprocess struct {
	mu      sync.Mutex
	binPath string
	args    []string
	keyID   string
}

// NewSubprocess builds a Subprocess signer that will exec binPath with args
// for every signing request.
func NewSubprocess(binPath string, keyID string, args ...string) (*Subprocess, error) {
	if binPath == "" {
		return nil, ErrPluginNotConfigured
	}
	return &Subprocess{binPath: binPath, args: args, keyID: keyID}, nil
}

type subprocessRequest struct {
	Op      string `json:"op"`
	HashHex string `json:"hashHex,omitempty"`
}

type subprocessResponse struct {
	SignatureB64 string `json:"signatureB64"`
	KeyID        string `json:"keyId"`
	Error        string `json:"error,omitempty"`
}

func (s *Subprocess) SignHashHex(ctx context.Context, hashHex string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := exec.CommandContext(ctx, s.binPath, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", "", fmt.Errorf("signer: open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("signer: open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("signer: start plugin: %w", err)
	}

	reqBytes, err := json.Marshal(subprocessRequest{Op: "sign", HashHex: hashHex})
	if err != nil {
		return "", "", err
	}
	if _, err := stdin.Write(append(reqBytes, '\n')); err != nil {
		return "", "", fmt.Errorf("signer: write request: %w", err)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		cmd.Wait()
		return "", "", kernelerr.New(kernelerr.CodeSignerBadResponse, "signer plugin produced no response line")
	}
	var resp subprocessResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		cmd.Wait()
		return "", "", kernelerr.Newf(kernelerr.CodeSignerBadResponse, "signer plugin response decode: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		return "", "", fmt.Errorf("signer: plugin exited: %w", err)
	}
	if resp.Error != "" {
		return "", "", kernelerr.New(kernelerr.CodeSignerBadResponse, resp.Error)
	}
	return resp.SignatureB64, resp.KeyID, nil
}

func (s *Subprocess) KeyID(_ context.Context) (string, error) {
	return s.keyID, nil
}

var _ Signer = (*Subprocess)(nil)
