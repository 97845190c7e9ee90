package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/neurallog/kek-custody/api/clients"
	"github.com/neurallog/kek-custody/cmd/flags"
	"github.com/neurallog/kek-custody/kms"
	"github.com/neurallog/kek-custody/tenant"
	"github.com/urfave/cli/v2"
)

var flagDirectory = &cli.StringFlag{
	Name:    "directory-url",
	Value:   "http://127.0.0.1:8080/api/v1",
	Usage:   "directory API base URL",
	EnvVars: []string{"CUSTODY_DIRECTORY_URL"},
}

var flagToken = &cli.StringFlag{
	Name:    "token",
	Usage:   "bearer token issued by the directory",
	EnvVars: []string{"CUSTODY_TOKEN"},
}

var flagTenant = &cli.StringFlag{
	Name:    "tenant",
	Usage:   "tenant id",
	EnvVars: []string{"CUSTODY_TENANT"},
}

var flagPasswordFile = &cli.StringFlag{
	Name:    "password-file",
	Usage:   "file holding the operator password; CUSTODY_PASSWORD is used when unset",
	EnvVars: []string{"CUSTODY_PASSWORD_FILE"},
}

var flagReason = &cli.StringFlag{
	Name:     "reason",
	Required: true,
	Usage:    "reason recorded with the new KEK version",
}

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "custodyctl",
		Usage: "Operate a tenant's key-encryption key custody",
		Flags: append([]cli.Flag{
			flagDirectory,
			flagToken,
			flagTenant,
			flagPasswordFile,
			flags.LogServiceFlagFn("custodyctl"),
		}, flags.LogFlags...),
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// tenantContext builds the per-tenant context every command runs against.
func tenantContext(cCtx *cli.Context) (*tenant.Context, error) {
	tenantID := cCtx.String(flagTenant.Name)
	if tenantID == "" {
		return nil, errors.New("--tenant is required")
	}
	token := cCtx.String(flagToken.Name)
	if token == "" {
		return nil, errors.New("--token is required")
	}
	url := cCtx.String(flagDirectory.Name)
	return &tenant.Context{
		TenantID:     tenantID,
		DirectoryURL: url,
		Directory:    clients.NewDirectoryClient(url, token),
		Crypto:       kms.NewPrimitives(),
		Log:          flags.SetupLogger(cCtx),
	}, nil
}

func password(cCtx *cli.Context) (string, error) {
	if path := cCtx.String(flagPasswordFile.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if pw := os.Getenv("CUSTODY_PASSWORD"); pw != "" {
		return pw, nil
	}
	return "", errors.New("no password: set --password-file or CUSTODY_PASSWORD")
}

// unlock derives the operator's authority from the configured password.
func unlock(cCtx *cli.Context, tc *tenant.Context) (*tenant.Authority, string, error) {
	pw, err := password(cCtx)
	if err != nil {
		return nil, "", err
	}
	auth, err := tenant.Unlock(cCtx.Context, tc, pw)
	if err != nil {
		return nil, "", err
	}
	return auth, pw, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// prompt writes msg to stderr and returns the next non-empty stdin line.
func prompt(sc *bufio.Scanner, msg string) (string, bool) {
	fmt.Fprint(os.Stderr, msg)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, true
		}
	}
	return "", false
}
