package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/yairfalse/taginventory/internal/errs"
	"github.com/yairfalse/taginventory/pkg/resource"
)

// ServiceIndex lists tagged resources straight from service APIs, for
// accounts that cannot use the tagging API. Each lister is walked to
// completion before the next starts; the cursor is "<lister>|<token>".
type ServiceIndex struct {
	clients  func(region string) *ServiceClients
	account  string
	pageSize int32
}

// NewServiceIndex creates the fallback index. account is used to build
// ARNs for resources whose APIs do not return one.
func NewServiceIndex(clients func(region string) *ServiceClients, account string, pageSize int32) *ServiceIndex {
	return &ServiceIndex{clients: clients, account: account, pageSize: pageSize}
}

type listFunc func(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error)

type lister struct {
	name string
	fn   listFunc
}

func (s *ServiceIndex) listers() []lister {
	return []lister{
		{"ec2:instance", s.listInstances},
		{"ec2:volume", s.listVolumes},
		{"ec2:vpc", s.listVPCs},
		{"rds:db", s.listDBInstances},
		{"autoscaling:autoScalingGroup", s.listAutoScalingGroups},
		{"redshift:cluster", s.listRedshiftClusters},
		{"eks:cluster", s.listEKSClusters},
	}
}

// Name returns the index identifier.
func (s *ServiceIndex) Name() string {
	return "services"
}

// Page fetches one page from the lister the cursor points at.
func (s *ServiceIndex) Page(ctx context.Context, region, cursor string) (*Page, error) {
	listers := s.listers()

	idx, token, err := parseServiceCursor(listers, cursor)
	if err != nil {
		return nil, err
	}

	l := listers[idx]
	records, next, err := l.fn(ctx, s.clients(region), region, token)
	if err != nil {
		return nil, classify(l.name, err)
	}

	page := &Page{Records: tagged(records)}
	switch {
	case next != "":
		page.Next = l.name + "|" + next
	case idx+1 < len(listers):
		page.Next = listers[idx+1].name + "|"
	}
	return page, nil
}

func parseServiceCursor(listers []lister, cursor string) (int, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	name, token, ok := strings.Cut(cursor, "|")
	if !ok {
		return 0, "", errs.Newf(errs.IndexUnavailable, "services", "malformed cursor %q", cursor)
	}
	for i, l := range listers {
		if l.name == name {
			return i, token, nil
		}
	}
	return 0, "", errs.Newf(errs.IndexUnavailable, "services", "unknown lister %q in cursor", name)
}

func tagged(records []resource.Record) []resource.Record {
	out := records[:0]
	for _, r := range records {
		if r.HasTags() {
			out = append(out, r)
		}
	}
	return out
}

func (s *ServiceIndex) limit(min, max int32) *int32 {
	n := s.pageSize
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return aws.Int32(n)
}

func optional(token string) *string {
	if token == "" {
		return nil
	}
	return aws.String(token)
}

func partition(region string) string {
	switch {
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	default:
		return "aws"
	}
}

func (s *ServiceIndex) arn(service, region, account, res string) string {
	if account == "" {
		account = s.account
	}
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", partition(region), service, region, account, res)
}

func newRecord(id, typ, region, account string) resource.Record {
	service, _, _ := strings.Cut(typ, ":")
	return resource.Record{
		ID:      id,
		Region:  region,
		Type:    typ,
		Service: service,
		Account: account,
		Tags:    make(map[string]string),
	}
}

func ec2Tags(tags []ec2types.Tag, into map[string]string) {
	for _, t := range tags {
		into[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
}

func (s *ServiceIndex) listInstances(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		NextToken:  optional(token),
		MaxResults: s.limit(5, 1000),
	})
	if err != nil {
		return nil, "", fmt.Errorf("describe instances: %w", err)
	}

	var records []resource.Record
	for _, reservation := range output.Reservations {
		account := aws.ToString(reservation.OwnerId)
		for _, instance := range reservation.Instances {
			id := s.arn("ec2", region, account, "instance/"+aws.ToString(instance.InstanceId))
			r := newRecord(id, "ec2:instance", region, account)
			ec2Tags(instance.Tags, r.Tags)
			records = append(records, r)
		}
	}
	return records, aws.ToString(output.NextToken), nil
}

func (s *ServiceIndex) listVolumes(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.EC2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		NextToken:  optional(token),
		MaxResults: s.limit(5, 500),
	})
	if err != nil {
		return nil, "", fmt.Errorf("describe volumes: %w", err)
	}

	records := make([]resource.Record, 0, len(output.Volumes))
	for _, vol := range output.Volumes {
		id := s.arn("ec2", region, "", "volume/"+aws.ToString(vol.VolumeId))
		r := newRecord(id, "ec2:volume", region, s.account)
		ec2Tags(vol.Tags, r.Tags)
		records = append(records, r)
	}
	return records, aws.ToString(output.NextToken), nil
}

func (s *ServiceIndex) listVPCs(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		NextToken:  optional(token),
		MaxResults: s.limit(5, 1000),
	})
	if err != nil {
		return nil, "", fmt.Errorf("describe vpcs: %w", err)
	}

	records := make([]resource.Record, 0, len(output.Vpcs))
	for _, vpc := range output.Vpcs {
		account := aws.ToString(vpc.OwnerId)
		id := s.arn("ec2", region, account, "vpc/"+aws.ToString(vpc.VpcId))
		r := newRecord(id, "ec2:vpc", region, account)
		ec2Tags(vpc.Tags, r.Tags)
		records = append(records, r)
	}
	return records, aws.ToString(output.NextToken), nil
}

func (s *ServiceIndex) listDBInstances(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		Marker:     optional(token),
		MaxRecords: s.limit(20, 100),
	})
	if err != nil {
		return nil, "", fmt.Errorf("describe db instances: %w", err)
	}

	records := make([]resource.Record, 0, len(output.DBInstances))
	for _, db := range output.DBInstances {
		records = append(records, s.convertDBInstance(db, region))
	}
	return records, aws.ToString(output.Marker), nil
}

func (s *ServiceIndex) convertDBInstance(db rdstypes.DBInstance, region string) resource.Record {
	id := aws.ToString(db.DBInstanceArn)
	if id == "" {
		id = s.arn("rds", region, "", "db:"+aws.ToString(db.DBInstanceIdentifier))
	}
	r := newRecord(id, "rds:db", region, s.account)
	for _, t := range db.TagList {
		r.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return r
}

func (s *ServiceIndex) listAutoScalingGroups(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.AutoScaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		NextToken:  optional(token),
		MaxRecords: s.limit(1, 100),
	})
	if err != nil {
		return nil, "", fmt.Errorf("describe auto scaling groups: %w", err)
	}

	records := make([]resource.Record, 0, len(output.AutoScalingGroups))
	for _, asg := range output.AutoScalingGroups {
		records = append(records, s.convertAutoScalingGroup(asg, region))
	}
	return records, aws.ToString(output.NextToken), nil
}

func (s *ServiceIndex) convertAutoScalingGroup(asg asgtypes.AutoScalingGroup, region string) resource.Record {
	r := newRecord(aws.ToString(asg.AutoScalingGroupARN), "autoscaling:autoScalingGroup", region, s.account)
	for _, t := range asg.Tags {
		r.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return r
}

func (s *ServiceIndex) listRedshiftClusters(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.Redshift.DescribeClusters(ctx, &redshift.DescribeClustersInput{
		Marker:     optional(token),
		MaxRecords: s.limit(20, 100),
	})
	if err != nil {
		return nil, "", fmt.Errorf("describe redshift clusters: %w", err)
	}

	records := make([]resource.Record, 0, len(output.Clusters))
	for _, cluster := range output.Clusters {
		records = append(records, s.convertRedshiftCluster(cluster, region))
	}
	return records, aws.ToString(output.Marker), nil
}

func (s *ServiceIndex) convertRedshiftCluster(cluster redshifttypes.Cluster, region string) resource.Record {
	id := s.arn("redshift", region, "", "cluster:"+aws.ToString(cluster.ClusterIdentifier))
	r := newRecord(id, "redshift:cluster", region, s.account)
	for _, t := range cluster.Tags {
		r.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return r
}

func (s *ServiceIndex) listEKSClusters(ctx context.Context, c *ServiceClients, region, token string) ([]resource.Record, string, error) {
	output, err := c.EKS.ListClusters(ctx, &eks.ListClustersInput{
		NextToken:  optional(token),
		MaxResults: s.limit(1, 100),
	})
	if err != nil {
		return nil, "", fmt.Errorf("list eks clusters: %w", err)
	}

	records := make([]resource.Record, 0, len(output.Clusters))
	for _, name := range output.Clusters {
		desc, err := c.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			return nil, "", fmt.Errorf("describe eks cluster %s: %w", name, err)
		}
		if desc.Cluster == nil {
			continue
		}
		id := aws.ToString(desc.Cluster.Arn)
		if id == "" {
			id = s.arn("eks", region, "", "cluster/"+name)
		}
		r := newRecord(id, "eks:cluster", region, s.account)
		for k, v := range desc.Cluster.Tags {
			r.Tags[k] = v
		}
		records = append(records, r)
	}
	return records, aws.ToString(output.NextToken), nil
}
