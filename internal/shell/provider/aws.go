package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
)

// AWSProvider implements Provider for AWS EC2.
type AWSProvider struct {
	accessKeyID     string
	secretAccessKey string
	logger          *slog.Logger
	pollInterval    time.Duration
}

// NewAWSProvider creates a new AWS EC2 provider.
func NewAWSProvider(accessKeyID, secretAccessKey string, logger *slog.Logger) *AWSProvider {
	return &AWSProvider{
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		logger:          logger.With("provider", "aws"),
		pollInterval:    5 * time.Second,
	}
}

func (p *AWSProvider) newClient(region string) *ec2.Client {
	return ec2.New(ec2.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(p.accessKeyID, p.secretAccessKey, ""),
	})
}

// CreateInstance provisions an EC2 instance with Docker pre-installed via user data.
func (p *AWSProvider) CreateInstance(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	client := p.newClient(req.Region)

	// Import the SSH key (idempotent: delete existing key first if present)
	name := keyName(req.InstanceName)
	_, _ = client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	_, err := client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(req.SSHPublicKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import SSH key: %w", classify(err))
	}

	sgOut, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("fleetrunner sandbox - " + req.InstanceName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create security group: %w", classify(err))
	}

	// Allow SSH and the app port
	_, err = client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: sgOut.GroupId,
		IpPermissions: []ec2types.IpPermission{
			ingressRule(22, "SSH"),
			ingressRule(int32(req.AppPort), "app"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure security group: %w", classify(err))
	}

	// Find latest Ubuntu 22.04 AMI
	amiOut, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{"ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
		Owners: []string{"099720109477"}, // Canonical
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find Ubuntu AMI: %w", classify(err))
	}
	if len(amiOut.Images) == 0 {
		return nil, errors.New("no Ubuntu AMI found")
	}
	ami := amiOut.Images[0]
	for _, img := range amiOut.Images[1:] {
		if aws.ToString(img.CreationDate) > aws.ToString(ami.CreationDate) {
			ami = img
		}
	}

	runOut, err := client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          ami.ImageId,
		InstanceType:     ec2types.InstanceType(req.Size),
		KeyName:          aws.String(name),
		SecurityGroupIds: []string{*sgOut.GroupId},
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		UserData:         aws.String(dockerInstallUserData()),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags:         instanceTags(req.InstanceName, req.Labels),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch instance: %w", classify(err))
	}
	if len(runOut.Instances) == 0 {
		return nil, errors.New("no instance returned from RunInstances")
	}

	instanceID := aws.ToString(runOut.Instances[0].InstanceId)
	p.logger.Info("EC2 instance launched", "instance_id", instanceID, "region", req.Region)

	publicIP, err := p.waitForPublicIP(ctx, client, instanceID)
	if err != nil {
		return &ProvisionResult{ProviderInstanceID: instanceID}, fmt.Errorf("failed waiting for public IP: %w", err)
	}

	return &ProvisionResult{
		ProviderInstanceID: instanceID,
		PublicIP:           publicIP,
	}, nil
}

func ingressRule(port int32, description string) ec2types.IpPermission {
	return ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
		IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String(description)}},
	}
}

func instanceTags(instanceName string, labels map[string]string) []ec2types.Tag {
	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(instanceName)},
		{Key: aws.String("ManagedBy"), Value: aws.String("fleetrunner")},
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}

func (p *AWSProvider) waitForPublicIP(ctx context.Context, client *ec2.Client, instanceID string) (string, error) {
	for i := 0; i < 60; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollInterval):
		}

		out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			continue
		}

		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.PublicIpAddress != nil && *inst.PublicIpAddress != "" {
					return *inst.PublicIpAddress, nil
				}
			}
		}
	}
	return "", errors.New("timed out waiting for public IP")
}

// DestroyInstance terminates an EC2 instance and cleans up SSH key and security group.
func (p *AWSProvider) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	client := p.newClient(req.Region)

	if req.ProviderInstanceID != "" {
		_, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{req.ProviderInstanceID},
		})
		if err != nil {
			// Treat "instance not found" as success: already terminated
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
				p.logger.Info("EC2 instance already terminated", "instance_id", req.ProviderInstanceID)
			} else {
				return fmt.Errorf("failed to terminate instance %s: %w", req.ProviderInstanceID, classify(err))
			}
		} else {
			p.logger.Info("EC2 instance terminated", "instance_id", req.ProviderInstanceID, "region", req.Region)
		}
	}

	// Best-effort cleanup of SSH key
	name := keyName(req.InstanceName)
	if _, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	}); err != nil {
		p.logger.Warn("failed to delete SSH key pair during destroy", "key_name", name, "error", err)
	}

	// Best-effort cleanup of security group. It stays in use until the
	// instance finishes terminating, so this often fails on the first try.
	if _, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupName: aws.String(name),
	}); err != nil {
		p.logger.Warn("failed to delete security group during destroy", "sg_name", name, "error", err)
	}

	return nil
}

// dockerInstallUserData returns a cloud-init script that installs Docker and git.
func dockerInstallUserData() string {
	return dockerInstallScript()
}
