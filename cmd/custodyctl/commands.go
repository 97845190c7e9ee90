package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/neurallog/kek-custody/bootstrap"
	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
	"github.com/neurallog/kek-custody/promotion"
	"github.com/neurallog/kek-custody/recovery"
	"github.com/neurallog/kek-custody/sharetransport"
	"github.com/neurallog/kek-custody/tenant"
	"github.com/urfave/cli/v2"
)

var flagPhraseFile = &cli.StringFlag{
	Name:  "phrase-file",
	Usage: "file holding the tenant recovery phrase",
}

var commands = []*cli.Command{
	{
		Name:  "whoami",
		Usage: "Show the authenticated member",
		Action: func(cCtx *cli.Context) error {
			tc, err := tenantContext(cCtx)
			if err != nil {
				return err
			}
			me, err := tc.Directory.WhoAmI(cCtx.Context)
			if err != nil {
				return err
			}
			return printJSON(me)
		},
	},
	{
		Name:  "setup",
		Usage: "Create the tenant's recovery phrase and first KEK version",
		Flags: []cli.Flag{
			flagPhraseFile,
			&cli.IntFlag{Name: "quiz", Value: bootstrap.DefaultQuestions, Usage: "number of words to confirm"},
		},
		Action: setup,
	},
	{
		Name:  "enroll",
		Usage: "Publish the public key derived from the operator password",
		Action: func(cCtx *cli.Context) error {
			tc, err := tenantContext(cCtx)
			if err != nil {
				return err
			}
			pw, err := password(cCtx)
			if err != nil {
				return err
			}
			auth, err := tenant.Enroll(cCtx.Context, tc, pw)
			if err != nil {
				return err
			}
			defer auth.Discard()
			fmt.Printf("enrolled %s, holding %d KEK versions\n", auth.UserID(), len(auth.Versions()))
			return nil
		},
	},
	{
		Name:  "versions",
		Usage: "List KEK versions",
		Action: func(cCtx *cli.Context) error {
			tc, err := tenantContext(cCtx)
			if err != nil {
				return err
			}
			history, err := kekstore.NewStore(tc).List(cCtx.Context)
			if err != nil {
				return err
			}
			return printJSON(history)
		},
	},
	{
		Name:  "rotate",
		Usage: "Create a new Active KEK version, optionally revoking members",
		Flags: []cli.Flag{
			flagReason,
			&cli.StringSliceFlag{Name: "remove", Usage: "member to exclude from the new version"},
		},
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				res, err := kekstore.NewStore(tc).Rotate(cCtx.Context, auth, cCtx.String(flagReason.Name), cCtx.StringSlice("remove"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	},
	{
		Name:      "retire",
		Usage:     "Retire a decrypt-only KEK version",
		ArgsUsage: "VERSION_ID",
		Action: func(cCtx *cli.Context) error {
			tc, err := tenantContext(cCtx)
			if err != nil {
				return err
			}
			v, err := kekstore.NewStore(tc).Retire(cCtx.Context, cCtx.Args().First())
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	},
	{
		Name:  "provision",
		Usage: "Give a member the operator's copy of a KEK version",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "version", Required: true},
		},
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				return kekstore.NewStore(tc).Provision(cCtx.Context, auth, cCtx.String("user"), cCtx.String("version"), false)
			})
		},
	},
	{
		Name:  "promote",
		Usage: "Start an admin promotion for a member",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "candidate", Required: true},
			&cli.IntFlag{Name: "threshold", Usage: "approvals needed, defaults to half the admins"},
			&cli.IntFlag{Name: "shares", Usage: "shares to create, defaults to the admin count"},
		},
		Action: promote,
	},
	{
		Name:  "promotions",
		Usage: "List pending promotion requests",
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				pending, err := promotion.NewApprover(tc, auth).ListPending(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(pending)
			})
		},
	},
	{
		Name:      "approve",
		Usage:     "Approve a promotion request with the operator's share",
		ArgsUsage: "REQUEST_ID",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "share", Usage: `share received out of band, as {"x":..,"y":..}`},
		},
		Action: approve,
	},
	{
		Name:      "export-share",
		Usage:     "Print the operator's share of a promotion request for handing to another admin",
		ArgsUsage: "REQUEST_ID",
		Action: func(cCtx *cli.Context) error {
			requestID := cCtx.Args().First()
			if requestID == "" {
				return fmt.Errorf("%w: request id is required", interfaces.ErrValidation)
			}
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, pw string) error {
				share, err := promotion.NewApprover(tc, auth).ExportShare(cCtx.Context, requestID, pw)
				if err != nil {
					return err
				}
				fmt.Println(share)
				return nil
			})
		},
	},
	{
		Name:      "reject",
		Usage:     "Reject a promotion request",
		ArgsUsage: "REQUEST_ID",
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				pr, err := promotion.NewApprover(tc, auth).Reject(cCtx.Context, cCtx.Args().First())
				if err != nil {
					return err
				}
				return printJSON(pr)
			})
		},
	},
	{
		Name:  "issue-shares",
		Usage: "Split a held KEK version into recovery shares",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "version", Required: true},
			&cli.IntFlag{Name: "shares", Value: 5},
			&cli.IntFlag{Name: "threshold", Value: 3},
		},
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				shares, err := recovery.New(tc).IssueShares(auth, cCtx.String("version"), cCtx.Int("shares"), cCtx.Int("threshold"))
				if err != nil {
					return err
				}
				for _, s := range shares {
					fmt.Println(s)
				}
				return nil
			})
		},
	},
	{
		Name:  "recover",
		Usage: "Rebuild a KEK version from shares pasted on stdin",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "version", Usage: "version to recover"},
			&cli.IntFlag{Name: "threshold", Value: 3},
			&cli.StringFlag{Name: "session", Usage: "resume an existing session"},
			&cli.StringFlag{Name: "reason", Usage: "reason recorded with the session and the new version"},
		},
		Action: recoverSession,
	},
	{
		Name:      "recover-versions",
		Usage:     "Re-provision KEK versions to the operator from the recovery phrase",
		ArgsUsage: "[VERSION_ID...]",
		Flags:     []cli.Flag{flagPhraseFile},
		Action:    recoverVersions,
	},
	{
		Name:  "reencrypt",
		Usage: "Move every log key onto the Active KEK version",
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				res, err := kekstore.NewReEncryptor(tc, auth).Run(cCtx.Context, func(percent int, logName string) {
					fmt.Fprintf(os.Stderr, "%3d%% %s\n", percent, logName)
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	},
	{
		Name:      "new-log-key",
		Usage:     "Register a data-encryption key for a log",
		ArgsUsage: "LOG_NAME",
		Action: func(cCtx *cli.Context) error {
			return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
				dek, err := kekstore.WrapLogKey(cCtx.Context, tc, auth, cCtx.Args().First())
				if err != nil {
					return err
				}
				cryptoutils.Wipe(dek)
				fmt.Printf("registered key for %s\n", cCtx.Args().First())
				return nil
			})
		},
	},
}

// withAuthority unlocks the operator and discards the key material when fn returns.
func withAuthority(cCtx *cli.Context, fn func(tc *tenant.Context, auth *tenant.Authority, password string) error) error {
	tc, err := tenantContext(cCtx)
	if err != nil {
		return err
	}
	auth, pw, err := unlock(cCtx, tc)
	if err != nil {
		return err
	}
	defer auth.Discard()
	return fn(tc, auth, pw)
}

func readPhrase(cCtx *cli.Context) (string, error) {
	path := cCtx.String(flagPhraseFile.Name)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func setup(cCtx *cli.Context) error {
	tc, err := tenantContext(cCtx)
	if err != nil {
		return err
	}
	pw, err := password(cCtx)
	if err != nil {
		return err
	}
	phrase, err := readPhrase(cCtx)
	if err != nil {
		return err
	}

	if phrase == "" {
		phrase, err = bootstrap.GenerateMnemonic(tc.Crypto, bootstrap.DefaultStrength)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Recovery phrase, write it down and keep it offline:\n\n  %s\n\n", phrase)

		quiz, err := bootstrap.GenerateQuiz(phrase, cCtx.Int("quiz"))
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(os.Stdin)
		answers := make([]bootstrap.Answer, 0, len(quiz))
		for _, q := range quiz {
			word, ok := prompt(sc, fmt.Sprintf("Word #%d: ", q.Index+1))
			if !ok {
				return errors.New("setup aborted")
			}
			answers = append(answers, bootstrap.Answer{Index: q.Index, Word: word})
		}
		if !bootstrap.VerifyQuiz(phrase, quiz, answers) {
			return fmt.Errorf("%w: recovery phrase not confirmed", interfaces.ErrValidation)
		}
	}

	auth, v, err := bootstrap.Setup(cCtx.Context, tc, pw, phrase)
	if err != nil {
		return err
	}
	defer auth.Discard()
	return printJSON(v)
}

func promote(cCtx *cli.Context) error {
	return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, pw string) error {
		o := promotion.New(tc)
		flow := promotion.NewFlow()

		plan, err := o.StartPromotion(cCtx.Context, cCtx.String("candidate"))
		if err != nil {
			return err
		}
		if flow, err = flow.Select(plan); err != nil {
			return err
		}

		if plan.Path == promotion.PathSingleAdmin {
			if err := o.ExecuteSingleAdmin(cCtx.Context, auth, plan.CandidateID, plan.VersionID); err != nil {
				return err
			}
			flow, err = flow.Confirmed(promotion.ThresholdResult{Completed: true})
			if err != nil {
				return err
			}
			fmt.Printf("%s is now an admin (%s)\n", plan.CandidateName, flow.Step)
			return nil
		}

		threshold, numShares := plan.Threshold, plan.NumShares
		if cCtx.IsSet("threshold") {
			threshold = cCtx.Int("threshold")
		}
		if cCtx.IsSet("shares") {
			numShares = cCtx.Int("shares")
		}
		if flow, err = flow.Configure(threshold, numShares); err != nil {
			return err
		}

		res, err := o.ExecuteThresholdAdmin(cCtx.Context, auth, plan.CandidateID, flow.Plan.NumShares, flow.Plan.Threshold, pw)
		if err != nil {
			return err
		}
		if flow, err = flow.Confirmed(res); err != nil {
			return err
		}
		if flow.Step == promotion.StepCompleted {
			fmt.Printf("%s is now an admin\n", plan.CandidateName)
			return nil
		}
		fmt.Printf("request %s sent to %d admins, %d shares needed\n", flow.RequestID, flow.Notified, flow.Plan.Threshold)
		fmt.Fprintf(os.Stderr, "Your own share, hand it to one of the approvers:\n\n  %s\n\n", res.RequesterShare)
		return nil
	})
}

func approve(cCtx *cli.Context) error {
	requestID := cCtx.Args().First()
	if requestID == "" {
		return fmt.Errorf("%w: request id is required", interfaces.ErrValidation)
	}
	return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, pw string) error {
		ap := promotion.NewApprover(tc, auth)
		defer ap.Discard(requestID)

		extra, bad := parseShares(cCtx.StringSlice("share"))
		for _, err := range bad {
			fmt.Fprintf(os.Stderr, "skipping %v\n", err)
		}
		if len(extra) > 0 {
			progress, err := ap.AddOutOfBandShares(cCtx.Context, requestID, extra...)
			if err != nil && !errors.Is(err, interfaces.ErrValidation) {
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "some shares were not accepted: %v\n", err)
			}
			fmt.Fprintf(os.Stderr, "holding %s\n", progress)
		}

		res, err := ap.Approve(cCtx.Context, requestID, pw)
		if err != nil {
			return err
		}
		if res.Provisioned {
			fmt.Printf("approved, %s is now an admin\n", res.Request.CandidateName)
			return nil
		}
		fmt.Printf("approved, %s\n", res.Progress)
		return nil
	})
}

// parseShares parses each out-of-band share on its own. A malformed entry
// is reported by its position and does not affect the others.
func parseShares(values []string) ([]interfaces.SecretShare, []error) {
	var (
		shares []interfaces.SecretShare
		bad    []error
	)
	for i, raw := range values {
		s, err := sharetransport.ParseShare([]byte(raw))
		if err != nil {
			bad = append(bad, fmt.Errorf("share %d: %w", i+1, err))
			continue
		}
		shares = append(shares, s)
	}
	return shares, bad
}

func recoverSession(cCtx *cli.Context) error {
	return withAuthority(cCtx, func(tc *tenant.Context, auth *tenant.Authority, _ string) error {
		o := recovery.New(tc)
		var (
			session interfaces.RecoverySession
			err     error
		)
		if id := cCtx.String("session"); id != "" {
			session, err = o.Resume(cCtx.Context, id)
		} else {
			session, err = o.Initiate(cCtx.Context, cCtx.String("version"), cCtx.Int("threshold"), cCtx.String("reason"))
		}
		if err != nil {
			return err
		}
		defer o.DiscardShares(session.ID)
		fmt.Fprintf(os.Stderr, "session %s, expires %s\n", session.ID, session.ExpiresAt.Local())

		sc := bufio.NewScanner(os.Stdin)
		for {
			line, ok := prompt(sc, "share> ")
			if !ok {
				return errors.New("recovery abandoned, the session stays open")
			}
			res, err := o.SubmitEncodedShares(cCtx.Context, session.ID, line)
			if err != nil {
				return err
			}
			for _, r := range res.Rejected {
				fmt.Fprintf(os.Stderr, "rejected: %v\n", r)
			}
			if res.Reconstructed {
				break
			}
			fmt.Fprintf(os.Stderr, "%s\n", res.Progress)
		}

		v, err := o.Complete(cCtx.Context, auth, session.ID, cCtx.String("reason"))
		if err != nil {
			return err
		}
		return printJSON(v)
	})
}

func recoverVersions(cCtx *cli.Context) error {
	phrase, err := readPhrase(cCtx)
	if err != nil {
		return err
	}
	if phrase == "" {
		return fmt.Errorf("%w: --phrase-file is required", interfaces.ErrValidation)
	}
	tc, err := tenantContext(cCtx)
	if err != nil {
		return err
	}
	pw, err := password(cCtx)
	if err != nil {
		return err
	}
	// Enroll rather than unlock: the operator may be replacing a lost password.
	auth, err := tenant.Enroll(cCtx.Context, tc, pw)
	if err != nil {
		return err
	}
	defer auth.Discard()

	secret, err := tc.Crypto.DeriveMasterSecret(tc.TenantID, phrase)
	if err != nil {
		return err
	}
	auth.SetMasterSecret(secret)
	cryptoutils.Wipe(secret)

	ids := cCtx.Args().Slice()
	if len(ids) == 0 {
		history, err := kekstore.NewStore(tc).List(cCtx.Context)
		if err != nil {
			return err
		}
		for _, v := range history {
			ids = append(ids, v.ID)
		}
	}

	res, err := recovery.New(tc).RecoverVersions(cCtx.Context, auth, ids)
	if err != nil {
		return err
	}
	for id, ferr := range res.Failed {
		fmt.Fprintf(os.Stderr, "failed %s: %v\n", id, ferr)
	}
	return printJSON(res.Recovered)
}
