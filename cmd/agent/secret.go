package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"estate-ai/internal/infra/config"
)

var passphraseFlag string

var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret [value]",
	Short: "Encrypt a secret for use in config.yaml",
	Long: `Print the "enc:" form of a secret. The value is read from the argument
or, when omitted, from the first line of stdin. The passphrase comes from
--passphrase or ESTATEAI_CONFIG_KEY; set the same ESTATEAI_CONFIG_KEY when
running estate-ai so the value can be decrypted at load time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncryptSecret,
}

func init() {
	encryptSecretCmd.Flags().StringVar(&passphraseFlag, "passphrase", "", "encryption passphrase (default $ESTATEAI_CONFIG_KEY)")
}

func runEncryptSecret(cmd *cobra.Command, args []string) error {
	passphrase := passphraseFlag
	if passphrase == "" {
		passphrase = os.Getenv(config.EnvPrefix + "CONFIG_KEY")
	}
	if passphrase == "" {
		return errors.New("no passphrase: pass --passphrase or set " + config.EnvPrefix + "CONFIG_KEY")
	}

	var value string
	if len(args) == 1 {
		value = args[0]
	} else {
		line, err := readLine(cmd.InOrStdin())
		if err != nil {
			return err
		}
		value = line
	}
	if value == "" {
		return errors.New("empty secret")
	}

	enc, err := config.EncryptSecret(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), enc)
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
