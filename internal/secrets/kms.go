package secrets

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// decryptAPI is the KMS call KMS makes; *kms.Client satisfies it.
type decryptAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSOptions configures NewKMS.
type KMSOptions struct {
	Region string
	// Endpoint points the client at LocalStack with dummy credentials.
	Endpoint string
	// EncryptionContext must match the context the secret was encrypted
	// with.
	EncryptionContext map[string]string
}

// KMS unseals the signing secret ciphertext with AWS KMS. The plaintext
// never leaves the call outside a memguard Enclave.
type KMS struct {
	api               decryptAPI
	encryptionContext map[string]string
}

// NewKMS builds a KMS on the default AWS credential chain, or on LocalStack
// when opts.Endpoint is set.
func NewKMS(ctx context.Context, opts KMSOptions) (*KMS, error) {
	load := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		load = append(load, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}

	client := kms.NewFromConfig(cfg, func(o *kms.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &KMS{api: client, encryptionContext: opts.EncryptionContext}, nil
}

// Unseal decrypts ciphertext straight into an Enclave. The SDK's plaintext
// buffer is wiped.
func (k *KMS) Unseal(ctx context.Context, ciphertext []byte) (*memguard.Enclave, error) {
	in := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if len(k.encryptionContext) > 0 {
		in.EncryptionContext = k.encryptionContext
	}
	out, err := k.api.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("secrets: kms decrypt: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return nil, ErrEmptySecret
	}
	// NewEnclave wipes out.Plaintext after copying it.
	return memguard.NewEnclave(out.Plaintext), nil
}
