package provision

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	tagName       = "Name"
	tagBootDigest = "pipeline-boot-digest"
	tagManagedBy  = "managed-by"
	managedBy     = "pipeline-provisioner"
)

// EC2API is the part of the EC2 client the provisioner calls.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, opts ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, opts ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
}

// EC2 implements Cloud with one instance and one security group.
type EC2 struct {
	Client       EC2API
	VPC          string // optional, the default VPC otherwise
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewEC2 uses the default AWS credential chain.
func NewEC2(ctx context.Context, region string) (*EC2, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &EC2{Client: ec2.NewFromConfig(cfg), PollInterval: time.Second * 5, Timeout: time.Minute * 5}, nil
}

func (e *EC2) FindHosts(ctx context.Context, name string) ([]*Host, error) {
	out, err := e.Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagName), Values: []string{name}},
			{Name: aws.String("tag:" + tagManagedBy), Values: []string{managedBy}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing instances: %w", err)
	}

	var hosts []*Host
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			hosts = append(hosts, hostOf(inst))
		}
	}
	return hosts, nil
}

func hostOf(inst types.Instance) *Host {
	h := &Host{
		ID:           aws.ToString(inst.InstanceId),
		Address:      aws.ToString(inst.PublicIpAddress),
		InstanceType: string(inst.InstanceType),
		Image:        aws.ToString(inst.ImageId),
	}
	for _, tag := range inst.Tags {
		switch aws.ToString(tag.Key) {
		case tagName:
			h.Name = aws.ToString(tag.Value)
		case tagBootDigest:
			h.BootDigest = aws.ToString(tag.Value)
		}
	}
	return h
}

func (e *EC2) CreateHost(ctx context.Context, spec *Spec, firewallID string) (*Host, error) {
	in := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.Image),
		InstanceType:     types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{firewallID},
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(spec.BootScript))),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(tagName), Value: aws.String(spec.Name)},
				{Key: aws.String(tagManagedBy), Value: aws.String(managedBy)},
				{Key: aws.String(tagBootDigest), Value: aws.String(spec.BootDigest())},
			},
		}},
	}
	if spec.KeyName != "" {
		in.KeyName = aws.String(spec.KeyName)
	}
	if spec.Subnet != "" {
		in.SubnetId = aws.String(spec.Subnet)
	}

	out, err := e.Client.RunInstances(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("running instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("running instance: no instance returned")
	}
	return e.waitRunning(ctx, aws.ToString(out.Instances[0].InstanceId))
}

// waitRunning polls until the instance is running and has a public address.
func (e *EC2) waitRunning(ctx context.Context, id string) (*Host, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()
	for {
		out, err := e.Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return nil, fmt.Errorf("describing instance %s: %w", id, err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.State != nil && inst.State.Name == types.InstanceStateNameRunning && aws.ToString(inst.PublicIpAddress) != "" {
					return hostOf(inst), nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for instance %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *EC2) TerminateHost(ctx context.Context, id string) error {
	_, err := e.Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return fmt.Errorf("terminating instance %s: %w", id, err)
	}
	return nil
}

func (e *EC2) FindFirewall(ctx context.Context, name string) (*Firewall, error) {
	filters := []types.Filter{{Name: aws.String("group-name"), Values: []string{name}}}
	if e.VPC != "" {
		filters = append(filters, types.Filter{Name: aws.String("vpc-id"), Values: []string{e.VPC}})
	}
	out, err := e.Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("describing security groups: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, nil
	}

	sg := out.SecurityGroups[0]
	fw := &Firewall{ID: aws.ToString(sg.GroupId)}
	for _, perm := range sg.IpPermissions {
		if aws.ToString(perm.IpProtocol) != "tcp" || perm.FromPort == nil || perm.ToPort == nil {
			continue
		}
		for port := *perm.FromPort; port <= *perm.ToPort; port++ {
			for _, r := range perm.IpRanges {
				fw.Rules = append(fw.Rules, Rule{Port: int(port), CIDR: aws.ToString(r.CidrIp)})
			}
		}
	}
	return fw, nil
}

func (e *EC2) CreateFirewall(ctx context.Context, name string) (*Firewall, error) {
	in := &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("inbound ports of the deployment host"),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeSecurityGroup,
			Tags:         []types.Tag{{Key: aws.String(tagManagedBy), Value: aws.String(managedBy)}},
		}},
	}
	if e.VPC != "" {
		in.VpcId = aws.String(e.VPC)
	}
	out, err := e.Client.CreateSecurityGroup(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("creating security group %s: %w", name, err)
	}
	return &Firewall{ID: aws.ToString(out.GroupId)}, nil
}

func (e *EC2) Authorize(ctx context.Context, firewallID string, rules []Rule) error {
	_, err := e.Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(firewallID),
		IpPermissions: permissions(rules),
	})
	if err != nil {
		return fmt.Errorf("authorizing ingress on %s: %w", firewallID, err)
	}
	return nil
}

func (e *EC2) Revoke(ctx context.Context, firewallID string, rules []Rule) error {
	_, err := e.Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(firewallID),
		IpPermissions: permissions(rules),
	})
	if err != nil {
		return fmt.Errorf("revoking ingress on %s: %w", firewallID, err)
	}
	return nil
}

func permissions(rules []Rule) []types.IpPermission {
	perms := make([]types.IpPermission, len(rules))
	for i, r := range rules {
		perms[i] = types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(int32(r.Port)),
			ToPort:     aws.Int32(int32(r.Port)),
			IpRanges:   []types.IpRange{{CidrIp: aws.String(r.CIDR)}},
		}
	}
	return perms
}
