package search

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	tagtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/taginventory/pkg/resource"
)

const taggingMaxResults = 100

// TaggingConfig configures the tagging index.
type TaggingConfig struct {
	ResourceTypes []string // optional "service[:type]" filters, e.g. "ec2:instance"
	PageSize      int32
}

// TaggingIndex queries the Resource Groups Tagging API, which reports the
// tagged resources of the region its client is bound to.
type TaggingIndex struct {
	clients       func(region string) TaggingAPI
	resourceTypes []string
	pageSize      int32
}

// NewTaggingIndex creates an index that obtains a client per region from
// clients.
func NewTaggingIndex(clients func(region string) TaggingAPI, cfg TaggingConfig) *TaggingIndex {
	size := cfg.PageSize
	if size <= 0 || size > taggingMaxResults {
		size = taggingMaxResults
	}
	return &TaggingIndex{
		clients:       clients,
		resourceTypes: cfg.ResourceTypes,
		pageSize:      size,
	}
}

// Name returns the index identifier.
func (x *TaggingIndex) Name() string {
	return "tagging"
}

// Page fetches one page of tagged resources reported in region.
func (x *TaggingIndex) Page(ctx context.Context, region, cursor string) (*Page, error) {
	input := &resourcegroupstaggingapi.GetResourcesInput{
		ResourcesPerPage: aws.Int32(x.pageSize),
	}
	if len(x.resourceTypes) > 0 {
		input.ResourceTypeFilters = x.resourceTypes
	}
	if cursor != "" {
		input.PaginationToken = aws.String(cursor)
	}

	output, err := x.clients(region).GetResources(ctx, input)
	if err != nil {
		return nil, classify("tagging:GetResources", err)
	}

	page := &Page{
		Records: make([]resource.Record, 0, len(output.ResourceTagMappingList)),
		Next:    aws.ToString(output.PaginationToken),
	}
	for _, m := range output.ResourceTagMappingList {
		rec, ok := convertTagMapping(m, region)
		if !ok {
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// convertTagMapping derives a record from an ARN and its tags. Global
// resources carry no region in their ARN and are attributed to the region
// that reported them.
func convertTagMapping(m tagtypes.ResourceTagMapping, region string) (resource.Record, bool) {
	id := aws.ToString(m.ResourceARN)
	parsed, err := arn.Parse(id)
	if err != nil {
		log.Warn().Err(err).Str("arn", id).Str("region", region).Msg("skipping unparseable arn")
		return resource.Record{}, false
	}

	rec := resource.Record{
		ID:      id,
		Region:  parsed.Region,
		Type:    resourceType(parsed),
		Service: parsed.Service,
		Account: parsed.AccountID,
		Tags:    make(map[string]string, len(m.Tags)),
	}
	if rec.Region == "" {
		rec.Region = region
	}
	for _, t := range m.Tags {
		rec.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return rec, true
}

// resourceType returns "service:type" from the resource part of an ARN,
// e.g. "ec2:instance" for "instance/i-0abc". A resource part with no type
// prefix yields the bare service.
func resourceType(a arn.ARN) string {
	kind, _, found := strings.Cut(a.Resource, "/")
	if !found {
		kind, _, found = strings.Cut(a.Resource, ":")
	}
	if !found || kind == "" {
		return a.Service
	}
	return a.Service + ":" + kind
}
