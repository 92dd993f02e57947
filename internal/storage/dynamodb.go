package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
)

// DynamoAPI is the subset of *dynamodb.Client the store calls, so tests can
// stub it
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
// The one-active-escalation-per-conversation rule is checked with a scan
// before the put, so two racing intakes for the same conversation can both
// succeed. The assignment commit itself is a conditional write and is exact.
type DynamoDBStore struct {
	client DynamoAPI
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs when
		// static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	store := NewDynamoDBStoreWithClient(client, cfg, logger)

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

// NewDynamoDBStoreWithClient wraps an existing client without creating tables
func NewDynamoDBStoreWithClient(client DynamoAPI, cfg DynamoConfig, logger zerolog.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}
}

func (s *DynamoDBStore) CreateEscalation(ctx context.Context, esc types.Escalation) error {
	filter := expression.Name("ConversationID").Equal(expression.Value(esc.ConversationID)).
		And(expression.Name("Status").In(
			expression.Value(string(types.EscalationPending)),
			expression.Value(string(types.EscalationAssigned)),
		))
	existing, err := s.scanEscalations(ctx, filter)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return ErrActiveEscalation
	}

	item, err := attributevalue.MarshalMap(esc)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("EscalationID"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.EscalationsTable),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.EscalationsTable),
		Key: map[string]dbtypes.AttributeValue{
			"EscalationID": &dbtypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrNotFound
	}

	var esc types.Escalation
	if err := attributevalue.UnmarshalMap(result.Item, &esc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation: %w", err)
	}
	return &esc, nil
}

func (s *DynamoDBStore) ListPendingEscalations(ctx context.Context, filter types.PendingFilter) ([]types.Escalation, error) {
	cond := expression.Name("Status").Equal(expression.Value(string(types.EscalationPending)))
	if filter.EscalationID != "" {
		cond = cond.And(expression.Name("EscalationID").Equal(expression.Value(filter.EscalationID)))
	}
	if filter.SectorID != "" {
		cond = cond.And(expression.Name("SectorID").Equal(expression.Value(filter.SectorID)))
	}

	result, err := s.scanEscalations(ctx, cond)
	if err != nil {
		return nil, err
	}

	types.SortPending(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *DynamoDBStore) ListAgentEscalations(ctx context.Context, agentID string) ([]types.Escalation, error) {
	cond := expression.Name("AssignedAgentID").Equal(expression.Value(agentID)).
		And(expression.Name("Status").Equal(expression.Value(string(types.EscalationAssigned))))

	result, err := s.scanEscalations(ctx, cond)
	if err != nil {
		return nil, err
	}
	types.SortPending(result)
	return result, nil
}

func (s *DynamoDBStore) CountAssignedEscalations(ctx context.Context, agentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return counts, nil
	}
	for _, id := range agentIDs {
		counts[id] = 0
	}

	// IN accepts at most 100 operands
	for start := 0; start < len(agentIDs); start += 100 {
		end := start + 100
		if end > len(agentIDs) {
			end = len(agentIDs)
		}
		chunk := agentIDs[start:end]

		others := make([]expression.OperandBuilder, 0, len(chunk)-1)
		for _, id := range chunk[1:] {
			others = append(others, expression.Value(id))
		}
		cond := expression.Name("Status").Equal(expression.Value(string(types.EscalationAssigned))).
			And(expression.Name("AssignedAgentID").In(expression.Value(chunk[0]), others...))

		escalations, err := s.scanEscalations(ctx, cond)
		if err != nil {
			return nil, err
		}
		for _, esc := range escalations {
			counts[esc.AssignedAgentID]++
		}
	}
	return counts, nil
}

func (s *DynamoDBStore) GetLastAssignedAgent(ctx context.Context, sectorID string) (string, error) {
	cond := expression.Name("SectorID").Equal(expression.Value(sectorID)).
		And(expression.AttributeExists(expression.Name("AssignedAt")))

	escalations, err := s.scanEscalations(ctx, cond)
	if err != nil {
		return "", err
	}

	var (
		last   string
		lastID string
		lastAt time.Time
	)
	for _, esc := range escalations {
		if esc.AssignedAt == nil || esc.AssignedAgentID == "" {
			continue
		}
		// equal timestamps fall back to the higher escalation id
		if last == "" || esc.AssignedAt.After(lastAt) ||
			(esc.AssignedAt.Equal(lastAt) && esc.ID > lastID) {
			last = esc.AssignedAgentID
			lastID = esc.ID
			lastAt = *esc.AssignedAt
		}
	}
	return last, nil
}

// CommitAssignment is a conditional update guarded by Status = pending
func (s *DynamoDBStore) CommitAssignment(ctx context.Context, escalationID, agentID string, at time.Time) (bool, error) {
	update := expression.
		Set(expression.Name("Status"), expression.Value(string(types.EscalationAssigned))).
		Set(expression.Name("AssignedAgentID"), expression.Value(agentID)).
		Set(expression.Name("AssignedAt"), expression.Value(at))
	cond := expression.Name("Status").Equal(expression.Value(string(types.EscalationPending)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return false, fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.EscalationsTable),
		Key: map[string]dbtypes.AttributeValue{
			"EscalationID": &dbtypes.AttributeValueMemberS{Value: escalationID},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to commit assignment: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) SetConversationOwner(ctx context.Context, conversationID, agentID string) error {
	return s.put(ctx, s.config.ConversationsTable, types.ConversationOwner{
		ConversationID: conversationID,
		AgentID:        agentID,
		UpdatedAt:      time.Now().UTC(),
	})
}

func (s *DynamoDBStore) GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.PoliciesTable),
		Key: map[string]dbtypes.AttributeValue{
			"SectorID": &dbtypes.AttributeValueMemberS{Value: sectorID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution policy: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, nil
	}

	var policy types.DistributionPolicy
	if err := attributevalue.UnmarshalMap(result.Item, &policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal distribution policy: %w", err)
	}
	return &policy, nil
}

func (s *DynamoDBStore) UpsertDistributionPolicy(ctx context.Context, policy types.DistributionPolicy) error {
	return s.put(ctx, s.config.PoliciesTable, policy)
}

func (s *DynamoDBStore) ListSectorAgents(ctx context.Context, sectorID string) ([]types.SectorAgent, error) {
	members, err := s.querySectorMembers(ctx, sectorID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []types.SectorAgent{}, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.AgentID
	}
	presence, err := s.batchGetPresence(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range members {
		status, ok := presence[members[i].AgentID]
		if !ok {
			status = types.PresenceOffline
		}
		members[i].Presence = status
	}
	sort.Slice(members, func(i, j int) bool { return members[i].AgentID < members[j].AgentID })
	return members, nil
}

func (s *DynamoDBStore) querySectorMembers(ctx context.Context, sectorID string) ([]types.SectorAgent, error) {
	keyCond := expression.Key("SectorID").Equal(expression.Value(sectorID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.SectorAgentsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	members := make([]types.SectorAgent, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query sector agents: %w", err)
		}
		var batch []types.SectorAgent
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sector agents: %w", err)
		}
		members = append(members, batch...)
	}
	return members, nil
}

func (s *DynamoDBStore) batchGetPresence(ctx context.Context, agentIDs []string) (map[string]types.PresenceStatus, error) {
	result := make(map[string]types.PresenceStatus, len(agentIDs))

	// BatchGetItem accepts at most 100 keys
	for start := 0; start < len(agentIDs); start += 100 {
		end := start + 100
		if end > len(agentIDs) {
			end = len(agentIDs)
		}

		keys := make([]map[string]dbtypes.AttributeValue, 0, end-start)
		for _, id := range agentIDs[start:end] {
			keys = append(keys, map[string]dbtypes.AttributeValue{
				"AgentID": &dbtypes.AttributeValueMemberS{Value: id},
			})
		}

		request := map[string]dbtypes.KeysAndAttributes{
			s.config.PresenceTable: {Keys: keys},
		}
		for len(request) > 0 {
			out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, fmt.Errorf("failed to get agent presence: %w", err)
			}

			var rows []types.AgentPresence
			if err := attributevalue.UnmarshalListOfMaps(out.Responses[s.config.PresenceTable], &rows); err != nil {
				return nil, fmt.Errorf("failed to unmarshal agent presence: %w", err)
			}
			for _, row := range rows {
				result[row.AgentID] = row.Status
			}
			request = out.UnprocessedKeys
		}
	}
	return result, nil
}

// SetSectorAgents replaces the roster of a sector. Not atomic: readers may
// briefly observe a partial roster.
func (s *DynamoDBStore) SetSectorAgents(ctx context.Context, sectorID string, agentIDs []string) error {
	existing, err := s.querySectorMembers(ctx, sectorID)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		keep[id] = struct{}{}
	}

	requests := make([]dbtypes.WriteRequest, 0, len(existing)+len(agentIDs))
	for _, m := range existing {
		if _, ok := keep[m.AgentID]; ok {
			continue
		}
		requests = append(requests, dbtypes.WriteRequest{
			DeleteRequest: &dbtypes.DeleteRequest{
				Key: map[string]dbtypes.AttributeValue{
					"SectorID": &dbtypes.AttributeValueMemberS{Value: sectorID},
					"AgentID":  &dbtypes.AttributeValueMemberS{Value: m.AgentID},
				},
			},
		})
	}
	for id := range keep {
		item, err := attributevalue.MarshalMap(types.SectorAgent{SectorID: sectorID, AgentID: id})
		if err != nil {
			return fmt.Errorf("failed to marshal sector agent: %w", err)
		}
		requests = append(requests, dbtypes.WriteRequest{
			PutRequest: &dbtypes.PutRequest{Item: item},
		})
	}

	return s.batchWrite(ctx, s.config.SectorAgentsTable, requests)
}

func (s *DynamoDBStore) RemoveSectorAgent(ctx context.Context, sectorID, agentID string) error {
	cond := expression.AttributeExists(expression.Name("AgentID"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.SectorAgentsTable),
		Key: map[string]dbtypes.AttributeValue{
			"SectorID": &dbtypes.AttributeValueMemberS{Value: sectorID},
			"AgentID":  &dbtypes.AttributeValueMemberS{Value: agentID},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove sector agent: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SetAgentPresence(ctx context.Context, agentID string, status types.PresenceStatus, at time.Time) error {
	return s.put(ctx, s.config.PresenceTable, types.AgentPresence{
		AgentID:   agentID,
		Status:    status,
		UpdatedAt: at,
	})
}

func (s *DynamoDBStore) SaveNotification(ctx context.Context, n types.Notification) error {
	return s.put(ctx, s.config.NotificationsTable, n)
}

func (s *DynamoDBStore) Close() {}

func (s *DynamoDBStore) put(ctx context.Context, table string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("failed to marshal item for %s: %w", table, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}
	return nil
}

// scanEscalations scans the escalations table with a filter, following pagination.
// For production a GSI on Status would avoid the full scan.
func (s *DynamoDBStore) scanEscalations(ctx context.Context, filter expression.ConditionBuilder) ([]types.Escalation, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.EscalationsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	result := make([]types.Escalation, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalations: %w", err)
		}
		var batch []types.Escalation
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalations: %w", err)
		}
		result = append(result, batch...)
	}
	return result, nil
}

// batchWrite sends write requests in groups of 25, retrying unprocessed items
func (s *DynamoDBStore) batchWrite(ctx context.Context, table string, requests []dbtypes.WriteRequest) error {
	for i := 0; i < len(requests); i += 25 {
		end := i + 25
		if end > len(requests) {
			end = len(requests)
		}

		pending := map[string][]dbtypes.WriteRequest{table: requests[i:end]}
		for len(pending) > 0 {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return fmt.Errorf("failed to batch write %s: %w", table, err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}
