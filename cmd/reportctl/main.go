// Command reportctl builds, signs, and submits workflow reports for the
// ledger. It plays the off-chain workflow's part in local setups and lets
// operators manage relay keys.
//
// Usage:
//
//	reportctl encode create -question "Will X happen?"
//	reportctl encode settle -market 1 -outcome yes -confidence 9500
//	reportctl sign -report 0x... -key 0x... [-workflow-name settler -author 0x...]
//	reportctl submit -url http://localhost:8000 < envelope.json
//	reportctl keygen [-out relay.key.json -password ...]
//	reportctl encrypt-key -key 0x... -password ... -out relay.key.json
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := dispatch(os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func dispatch(name string, args []string, in io.Reader, out io.Writer) error {
	switch name {
	case "encode":
		return encodeCmd(args, out)
	case "sign":
		return signCmd(args, out)
	case "submit":
		return submitCmd(args, in, out)
	case "keygen":
		return keygenCmd(args, out)
	case "encrypt-key":
		return encryptKeyCmd(args, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run reportctl help)", name)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `reportctl <command> [flags]

Commands:
  encode create|settle   ABI-encode a report payload and print it as hex
  sign                   sign a report and print the envelope JSON
  submit                 POST an envelope (stdin or -envelope) to /api/reports
  keygen                 generate a secp256k1 key
  encrypt-key            write a password-protected key file
`)
}
