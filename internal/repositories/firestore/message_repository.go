package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/craftlane/api/internal/domain"
	pfirestore "github.com/craftlane/api/internal/platform/firestore"
)

const messagesCollection = "customizationMessages"

// MessageRepository stores the chat messages attached to customization requests.
type MessageRepository struct {
	base *pfirestore.BaseRepository[messageDocument]
}

// NewMessageRepository constructs a Firestore-backed message repository.
func NewMessageRepository(provider *pfirestore.Provider) (*MessageRepository, error) {
	if provider == nil {
		return nil, errors.New("message repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[messageDocument](provider, messagesCollection, nil, nil)
	return &MessageRepository{base: base}, nil
}

// Append stores a new message. The ID must be unique.
func (r *MessageRepository) Append(ctx context.Context, message domain.RequestMessage) error {
	if r == nil || r.base == nil {
		return errors.New("message repository not initialised")
	}
	messageID := strings.TrimSpace(message.ID)
	if messageID == "" {
		return errors.New("message repository: message id is required")
	}
	if strings.TrimSpace(message.RequestID) == "" {
		return errors.New("message repository: request id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeMessageDocument(message)); err != nil {
		return pfirestore.WrapError("messages.append", err)
	}
	return nil
}

// FindByID fetches a message and verifies it belongs to the given request.
func (r *MessageRepository) FindByID(ctx context.Context, requestID string, messageID string) (domain.RequestMessage, error) {
	if r == nil || r.base == nil {
		return domain.RequestMessage{}, errors.New("message repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	messageID = strings.TrimSpace(messageID)
	if requestID == "" || messageID == "" {
		return domain.RequestMessage{}, errors.New("message repository: request id and message id are required")
	}
	doc, err := r.base.Get(ctx, messageID)
	if err != nil {
		return domain.RequestMessage{}, err
	}
	if strings.TrimSpace(doc.Data.RequestID) != requestID {
		return domain.RequestMessage{}, pfirestore.WrapError("messages.find",
			status.Errorf(codes.NotFound, "message %s does not belong to request %s", messageID, requestID))
	}
	return decodeMessageDocument(messageID, doc.Data, doc.CreateTime), nil
}

// ListByRequest returns the messages for a request, newest first.
func (r *MessageRepository) ListByRequest(ctx context.Context, requestID string, pager domain.Pagination) (domain.CursorPage[domain.RequestMessage], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.RequestMessage]{}, errors.New("message repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.CursorPage[domain.RequestMessage]{}, errors.New("message repository: request id is required")
	}

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodeCustomizationListToken(token)
		if err != nil {
			return domain.CursorPage[domain.RequestMessage]{}, fmt.Errorf("message repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("requestId", "==", requestID)
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.RequestMessage]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeCustomizationListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.RequestMessage, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeMessageDocument(doc.ID, doc.Data, doc.CreateTime))
	}

	return domain.CursorPage[domain.RequestMessage]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// LatestAttachment returns the newest message on the request carrying an attachment.
func (r *MessageRepository) LatestAttachment(ctx context.Context, requestID string) (domain.RequestMessage, error) {
	if r == nil || r.base == nil {
		return domain.RequestMessage{}, errors.New("message repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.RequestMessage{}, errors.New("message repository: request id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("requestId", "==", requestID).
			Where("hasAttachment", "==", true).
			OrderBy("createdAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.RequestMessage{}, err
	}
	if len(docs) == 0 {
		return domain.RequestMessage{}, pfirestore.WrapError("messages.latest_attachment",
			status.Errorf(codes.NotFound, "request %s has no message attachments", requestID))
	}
	return decodeMessageDocument(docs[0].ID, docs[0].Data, docs[0].CreateTime), nil
}

type messageDocument struct {
	RequestID     string    `firestore:"requestId"`
	SenderID      string    `firestore:"senderId"`
	Body          string    `firestore:"body"`
	AttachmentRef *string   `firestore:"attachmentRef,omitempty"`
	HasAttachment bool      `firestore:"hasAttachment"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

func encodeMessageDocument(message domain.RequestMessage) messageDocument {
	attachment := cloneStringPtr(message.AttachmentRef)
	return messageDocument{
		RequestID:     strings.TrimSpace(message.RequestID),
		SenderID:      strings.TrimSpace(message.SenderID),
		Body:          message.Body,
		AttachmentRef: attachment,
		HasAttachment: attachment != nil,
		CreatedAt:     message.CreatedAt.UTC(),
	}
}

func decodeMessageDocument(id string, doc messageDocument, createTime time.Time) domain.RequestMessage {
	return domain.RequestMessage{
		ID:            strings.TrimSpace(id),
		RequestID:     strings.TrimSpace(doc.RequestID),
		SenderID:      strings.TrimSpace(doc.SenderID),
		Body:          doc.Body,
		AttachmentRef: cloneStringPtr(doc.AttachmentRef),
		CreatedAt:     chooseTime(doc.CreatedAt, createTime),
	}
}
