// Package auth holds the commands that start or end a session.
package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openkcm/session-client/internal/business"
	"github.com/openkcm/session-client/internal/cmdutils"
	"github.com/openkcm/session-client/internal/config"
)

var errMissingEmail = errors.New("--email is required")

type credentialsFunc func(context.Context, *config.Config, business.Credentials, io.Writer) error

func LoginCmd(buildInfo string) *cobra.Command {
	return credentialsCmd(
		"login",
		"Log in with email and password",
		"Authenticates against the users collection and stores the session token. "+
			"The password is read from stdin when --password is not given.",
		buildInfo,
		business.LoginMain,
	)
}

func SignupCmd(buildInfo string) *cobra.Command {
	return credentialsCmd(
		"signup",
		"Create an account and log in",
		"Creates a user record with email and password, then logs in with the same credentials. "+
			"The password is read from stdin when --password is not given.",
		buildInfo,
		business.SignupMain,
	)
}

func LogoutCmd(buildInfo string) *cobra.Command {
	var cmd *cobra.Command
	cmd = cmdutils.CobraCommand(
		"logout",
		"End the stored session",
		"",
		buildInfo,
		cmdutils.RunAsJob,
		func(ctx context.Context, cfg *config.Config) error {
			return business.LogoutMain(ctx, cfg, cmd.OutOrStdout())
		},
	)

	return cmd
}

func credentialsCmd(use, short, long, buildInfo string, fn credentialsFunc) *cobra.Command {
	var creds business.Credentials

	var cmd *cobra.Command
	cmd = cmdutils.CobraCommand(use, short, long, buildInfo, cmdutils.RunAsJob,
		func(ctx context.Context, cfg *config.Config) error {
			if creds.Email == "" {
				return errMissingEmail
			}
			if creds.Password == "" {
				password, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				creds.Password = password
			}

			return fn(ctx, cfg, creds, cmd.OutOrStdout())
		},
	)

	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "account password, read from stdin when empty")

	return cmd
}

func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("no password given")
	}

	return password, nil
}
