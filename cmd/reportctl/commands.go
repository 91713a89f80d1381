package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/report"
)

// envelopeJSON matches the body accepted by POST /api/reports.
type envelopeJSON struct {
	Metadata   string   `json:"metadata"`
	Report     string   `json:"report"`
	Signatures []string `json:"signatures"`
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("reportctl "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func encodeCmd(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("encode subcommand required: create|settle")
	}
	var p report.Payload
	switch args[0] {
	case "create":
		fs := newFlagSet("encode create")
		question := fs.String("question", "", "market question")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if strings.TrimSpace(*question) == "" {
			return errors.New("--question required")
		}
		p = report.CreateMarketPayload{Question: *question}

	case "settle":
		fs := newFlagSet("encode settle")
		market := fs.Uint64("market", 0, "market id")
		outcome := fs.String("outcome", "", "yes|no")
		confidence := fs.Uint("confidence", 10000, "confidence in basis points (0-10000)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *market == 0 {
			return errors.New("--market required")
		}
		var o domain.Outcome
		if err := o.UnmarshalText([]byte(*outcome)); err != nil {
			return fmt.Errorf("--outcome: %w", err)
		}
		if *confidence > 10000 {
			return fmt.Errorf("--confidence must be at most 10000, got %d", *confidence)
		}
		p = report.SettleMarketPayload{MarketID: *market, Outcome: o, Confidence: uint16(*confidence)}

	default:
		return fmt.Errorf("unknown encode subcommand %q", args[0])
	}

	raw, err := report.Encode(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "0x"+hex.EncodeToString(raw))
	return err
}

func signCmd(args []string, out io.Writer) error {
	fs := newFlagSet("sign")
	reportHex := fs.String("report", "", "hex-encoded report (from encode)")
	keys := fs.String("key", "", "comma-separated signer private keys (env: REPORTCTL_KEYS)")
	keyFile := fs.String("key-file", "", "encrypted key file, used instead of -key")
	password := fs.String("password", "", "password for -key-file (env: REPORTCTL_KEY_PASSWORD)")
	workflowID := fs.String("workflow-id", "", "32-byte workflow id as hex")
	workflowName := fs.String("workflow-name", "", "workflow name; hashed into the metadata")
	author := fs.String("author", "", "workflow owner address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := decodeHexFlag("report", *reportHex)
	if err != nil {
		return err
	}
	if _, err := report.Decode(raw); err != nil {
		return fmt.Errorf("--report: %w", err)
	}

	var md report.Metadata
	if *workflowID != "" {
		id, err := decodeHexFlag("workflow-id", *workflowID)
		if err != nil {
			return err
		}
		if len(id) != 32 {
			return fmt.Errorf("--workflow-id must be 32 bytes, got %d", len(id))
		}
		copy(md.WorkflowID[:], id)
	}
	md.WorkflowName = report.WorkflowNameHash(*workflowName)
	if *author != "" {
		if !common.IsHexAddress(*author) {
			return fmt.Errorf("--author: invalid address %q", *author)
		}
		md.Owner = common.HexToAddress(*author)
	}

	signers, err := loadSigners(*keys, *keyFile, *password)
	if err != nil {
		return err
	}

	metadata := report.EncodeMetadata(md)
	env := envelopeJSON{
		Metadata: "0x" + hex.EncodeToString(metadata),
		Report:   "0x" + hex.EncodeToString(raw),
	}
	for _, s := range signers {
		sig, err := s.SignReport(metadata, raw)
		if err != nil {
			return err
		}
		env.Signatures = append(env.Signatures, "0x"+hex.EncodeToString(sig))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

func loadSigners(keys, keyFile, password string) ([]*crypto.Signer, error) {
	if keys == "" {
		keys = os.Getenv("REPORTCTL_KEYS")
	}
	if password == "" {
		password = os.Getenv("REPORTCTL_KEY_PASSWORD")
	}
	if keyFile != "" {
		s, err := crypto.LoadSigner(crypto.KeyConfig{EncryptedKeyPath: keyFile, KeyPassword: password})
		if err != nil {
			return nil, err
		}
		return []*crypto.Signer{s}, nil
	}

	var signers []*crypto.Signer
	for _, k := range strings.Split(keys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s, err := crypto.NewSigner(k)
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	if len(signers) == 0 {
		return nil, errors.New("--key or --key-file required")
	}
	return signers, nil
}

func submitCmd(args []string, in io.Reader, out io.Writer) error {
	fs := newFlagSet("submit")
	baseURL := fs.String("url", "http://localhost:8000", "ledger API base URL")
	apiKey := fs.String("api-key", "", "API key (env: LEDGER_SERVER_API_KEY)")
	envelopePath := fs.String("envelope", "", "envelope JSON file; stdin when empty")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *apiKey == "" {
		*apiKey = os.Getenv("LEDGER_SERVER_API_KEY")
	}

	src := in
	if *envelopePath != "" {
		f, err := os.Open(*envelopePath)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	var env envelopeJSON
	if err := json.NewDecoder(src).Decode(&env); err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/reports", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("submit: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(string(respBody)))
	return err
}

func keygenCmd(args []string, out io.Writer) error {
	fs := newFlagSet("keygen")
	outPath := fs.String("out", "", "write an encrypted key file instead of printing the key")
	password := fs.String("password", "", "password for -out (env: REPORTCTL_KEY_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	keyHex := hex.EncodeToString(gethcrypto.FromECDSA(key))
	addr := gethcrypto.PubkeyToAddress(key.PublicKey)

	if *outPath == "" {
		_, err = fmt.Fprintf(out, "address: %s\nprivate_key: 0x%s\n", addr.Hex(), keyHex)
		return err
	}
	if *password == "" {
		*password = os.Getenv("REPORTCTL_KEY_PASSWORD")
	}
	if err := crypto.WriteEncryptedKey(*outPath, keyHex, *password); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "address: %s\nkey_file: %s\n", addr.Hex(), *outPath)
	return err
}

func encryptKeyCmd(args []string, out io.Writer) error {
	fs := newFlagSet("encrypt-key")
	key := fs.String("key", "", "hex private key (env: REPORTCTL_KEYS)")
	password := fs.String("password", "", "password (env: REPORTCTL_KEY_PASSWORD)")
	outPath := fs.String("out", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		*key = os.Getenv("REPORTCTL_KEYS")
	}
	if *password == "" {
		*password = os.Getenv("REPORTCTL_KEY_PASSWORD")
	}
	if *key == "" || *outPath == "" {
		return errors.New("--key and --out required")
	}
	s, err := crypto.NewSigner(*key)
	if err != nil {
		return err
	}
	if err := crypto.WriteEncryptedKey(*outPath, *key, *password); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "address: %s\nkey_file: %s\n", s.Address().Hex(), *outPath)
	return err
}

func decodeHexFlag(name, s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("--%s required", name)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}
