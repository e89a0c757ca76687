package store

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and single-node
// development setups. WithTx runs against a copy of the data and swaps it in
// on success, so a failed transaction leaves nothing behind.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memData
	inTx bool
}

type localLabelKey struct {
	sourceID uuid.UUID
	labelID  uuid.UUID
}

type memData struct {
	users       map[uuid.UUID]*models.User
	apiKeys     map[uuid.UUID]*models.APIKey
	jobs        map[uuid.UUID]*models.Job
	jobSeq      map[uuid.UUID]int64 // insertion order, breaks create_date ties
	nextSeq     int64
	sources     map[uuid.UUID]*models.Source
	groups      map[uuid.UUID]*models.LabelGroup
	labels      map[uuid.UUID]*models.Label
	localLabels map[localLabelKey]*models.LocalLabel
	images      map[uuid.UUID]*models.Image
	points      map[uuid.UUID]*models.Point
	annotations map[uuid.UUID]*models.Annotation // keyed by point
	scores      map[uuid.UUID]*models.Score
	classifiers map[uuid.UUID]*models.Classifier
	apiJobs     map[uuid.UUID]*models.ApiJob
	units       map[uuid.UUID]*models.ApiJobUnit
}

func newMemData() *memData {
	return &memData{
		users:       map[uuid.UUID]*models.User{},
		apiKeys:     map[uuid.UUID]*models.APIKey{},
		jobs:        map[uuid.UUID]*models.Job{},
		jobSeq:      map[uuid.UUID]int64{},
		sources:     map[uuid.UUID]*models.Source{},
		groups:      map[uuid.UUID]*models.LabelGroup{},
		labels:      map[uuid.UUID]*models.Label{},
		localLabels: map[localLabelKey]*models.LocalLabel{},
		images:      map[uuid.UUID]*models.Image{},
		points:      map[uuid.UUID]*models.Point{},
		annotations: map[uuid.UUID]*models.Annotation{},
		scores:      map[uuid.UUID]*models.Score{},
		classifiers: map[uuid.UUID]*models.Classifier{},
		apiJobs:     map[uuid.UUID]*models.ApiJob{},
		units:       map[uuid.UUID]*models.ApiJobUnit{},
	}
}

func cloneMap[K comparable, V any](m map[K]*V) map[K]*V {
	out := make(map[K]*V, len(m))
	for k, v := range m {
		c := *v
		out[k] = &c
	}
	return out
}

func (d *memData) clone() *memData {
	jobSeq := make(map[uuid.UUID]int64, len(d.jobSeq))
	for k, v := range d.jobSeq {
		jobSeq[k] = v
	}
	return &memData{
		users:       cloneMap(d.users),
		apiKeys:     cloneMap(d.apiKeys),
		jobs:        cloneMap(d.jobs),
		jobSeq:      jobSeq,
		nextSeq:     d.nextSeq,
		sources:     cloneMap(d.sources),
		groups:      cloneMap(d.groups),
		labels:      cloneMap(d.labels),
		localLabels: cloneMap(d.localLabels),
		images:      cloneMap(d.images),
		points:      cloneMap(d.points),
		annotations: cloneMap(d.annotations),
		scores:      cloneMap(d.scores),
		classifiers: cloneMap(d.classifiers),
		apiJobs:     cloneMap(d.apiJobs),
		units:       cloneMap(d.units),
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, data: newMemData()}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func copyOf[V any](v *V) *V {
	c := *v
	return &c
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &MemoryStore{mu: s.mu, data: s.data.clone(), inTx: true}
	if err := fn(view); err != nil {
		return err
	}
	s.data = view.data
	return nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	defer s.lock()()
	for _, u := range s.data.users {
		if u.Username == user.Username {
			return ErrDuplicateKey
		}
	}
	if _, ok := s.data.users[user.ID]; ok {
		return ErrDuplicateKey
	}
	s.data.users[user.ID] = copyOf(user)
	return nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	defer s.lock()()
	for _, u := range s.data.users {
		if u.Username == username {
			return copyOf(u), nil
		}
	}
	return nil, ErrNotFound
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	defer s.lock()()
	var keys []*models.APIKey
	for _, k := range s.data.apiKeys {
		if k.KeyPrefix == prefix && !k.Revoked() {
			keys = append(keys, copyOf(k))
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	defer s.lock()()
	if k, ok := s.data.apiKeys[id]; ok {
		ts := utcNow()
		k.LastUsedAt = &ts
		k.UpdatedAt = ts
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	defer s.lock()()
	if _, ok := s.data.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	for _, k := range s.data.apiKeys {
		if k.UserID == key.UserID && k.Name == key.Name && !k.Revoked() {
			return ErrDuplicateKey
		}
	}
	s.data.apiKeys[key.ID] = copyOf(key)
	return nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	defer s.lock()()
	var keys []*models.APIKey
	for _, k := range s.data.apiKeys {
		if k.UserID == userID && !k.Revoked() {
			keys = append(keys, copyOf(k))
		}
	}
	slices.SortFunc(keys, func(a, b *models.APIKey) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	defer s.lock()()
	k, ok := s.data.apiKeys[id]
	if !ok || k.UserID != userID || k.Revoked() {
		return ErrNotFound
	}
	ts := utcNow()
	k.DeletedAt = &ts
	k.UpdatedAt = ts
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	defer s.lock()()
	if _, ok := s.data.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	if job.Status == models.JobStatusInProgress && s.runningLocked(job.JobName, job.ArgIdentifier, job.ID) {
		return ErrDuplicateKey
	}
	s.data.jobs[job.ID] = copyOf(job)
	s.data.nextSeq++
	s.data.jobSeq[job.ID] = s.data.nextSeq
	return nil
}

func (s *MemoryStore) runningLocked(name, argIdentifier string, except uuid.UUID) bool {
	for _, j := range s.data.jobs {
		if j.ID != except && j.JobName == name && j.ArgIdentifier == argIdentifier &&
			j.Status == models.JobStatusInProgress {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	defer s.lock()()
	j, ok := s.data.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(j), nil
}

func (s *MemoryStore) matchingJobsLocked(name, argIdentifier string, statuses ...models.JobStatus) []*models.Job {
	var out []*models.Job
	for _, j := range s.data.jobs {
		if j.JobName != name || j.ArgIdentifier != argIdentifier {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, j.Status) {
			continue
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		return cmp.Or(a.CreateDate.Compare(b.CreateDate), cmp.Compare(s.data.jobSeq[a.ID], s.data.jobSeq[b.ID]))
	})
	return out
}

func (s *MemoryStore) GetActiveJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	defer s.lock()()
	active := s.matchingJobsLocked(name, argIdentifier, models.JobStatusPending, models.JobStatusInProgress)
	if len(active) == 0 {
		return nil, ErrNotFound
	}
	for _, j := range active {
		if j.Status == models.JobStatusInProgress {
			return copyOf(j), nil
		}
	}
	return copyOf(active[0]), nil
}

func (s *MemoryStore) GetLatestJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	defer s.lock()()
	all := s.matchingJobsLocked(name, argIdentifier)
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return copyOf(all[len(all)-1]), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	defer s.lock()()
	var jobs []*models.Job
	for _, j := range s.data.jobs {
		if filter.SourceID != nil && (j.SourceID == nil || *j.SourceID != *filter.SourceID) {
			continue
		}
		if filter.JobName != "" && j.JobName != filter.JobName {
			continue
		}
		if filter.ArgIdentifier != "" && j.ArgIdentifier != filter.ArgIdentifier {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, j.Status) {
			continue
		}
		if filter.ScheduledBefore != nil && j.ScheduledStartDate != nil && j.ScheduledStartDate.After(*filter.ScheduledBefore) {
			continue
		}
		if filter.ModifiedBefore != nil && !j.ModifyDate.Before(*filter.ModifiedBefore) {
			continue
		}
		if filter.ModifiedAfter != nil && j.ModifyDate.Before(*filter.ModifiedAfter) {
			continue
		}
		jobs = append(jobs, copyOf(j))
	}
	slices.SortFunc(jobs, func(a, b *models.Job) int { return b.ModifyDate.Compare(a.ModifyDate) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) CountJobsByStatus(ctx context.Context, sourceID *uuid.UUID) (map[models.JobStatus]int, error) {
	defer s.lock()()
	counts := map[models.JobStatus]int{}
	for _, j := range s.data.jobs {
		if sourceID != nil && (j.SourceID == nil || *j.SourceID != *sourceID) {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	defer s.lock()()
	j, ok := s.data.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(j.Status, status); err != nil {
		return err
	}
	if status == models.JobStatusInProgress && s.runningLocked(j.JobName, j.ArgIdentifier, j.ID) {
		return ErrJobInProgress
	}

	ts := utcNow()
	j.Status = status
	j.ModifyDate = ts
	if status == models.JobStatusInProgress {
		j.StartDate = &ts
	}
	if params.ResultMessage != nil {
		msg := *params.ResultMessage
		j.ResultMessage = &msg
	}
	if params.Persist != nil {
		j.Persist = *params.Persist
	}
	return nil
}

func (s *MemoryStore) RescheduleJob(ctx context.Context, id uuid.UUID, scheduledStart time.Time) error {
	defer s.lock()()
	j, ok := s.data.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return ErrNotFound
	}
	j.ScheduledStartDate = &scheduledStart
	j.ModifyDate = utcNow()
	return nil
}

func (s *MemoryStore) ClaimPendingJob(ctx context.Context, name, argIdentifier string) (*models.Job, error) {
	defer s.lock()()
	if s.runningLocked(name, argIdentifier, uuid.Nil) {
		return nil, ErrJobInProgress
	}
	pending := s.matchingJobsLocked(name, argIdentifier, models.JobStatusPending)
	if len(pending) == 0 {
		return nil, ErrNotFound
	}

	j := pending[0]
	for _, dup := range pending[1:] {
		s.deleteJobLocked(dup.ID)
	}
	ts := utcNow()
	j.Status = models.JobStatusInProgress
	j.StartDate = &ts
	j.ModifyDate = ts
	return copyOf(j), nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	defer s.lock()()
	if _, ok := s.data.jobs[id]; !ok {
		return ErrNotFound
	}
	s.deleteJobLocked(id)
	return nil
}

func (s *MemoryStore) deleteJobLocked(id uuid.UUID) {
	delete(s.data.jobs, id)
	delete(s.data.jobSeq, id)
	for _, u := range s.data.units {
		if u.InternalJobID != nil && *u.InternalJobID == id {
			u.InternalJobID = nil
		}
	}
}

func (s *MemoryStore) DeleteOldJobs(ctx context.Context, before time.Time) (int64, error) {
	defer s.lock()()
	referenced := map[uuid.UUID]bool{}
	for _, u := range s.data.units {
		if u.InternalJobID != nil {
			referenced[*u.InternalJobID] = true
		}
	}
	var n int64
	for id, j := range s.data.jobs {
		if j.ModifyDate.Before(before) && !j.Persist && !referenced[id] {
			s.deleteJobLocked(id)
			n++
		}
	}
	return n, nil
}

// --- Sources ---

func (s *MemoryStore) CreateSource(ctx context.Context, source *models.Source) error {
	defer s.lock()()
	if _, ok := s.data.sources[source.ID]; ok {
		return ErrDuplicateKey
	}
	s.data.sources[source.ID] = copyOf(source)
	return nil
}

func (s *MemoryStore) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	defer s.lock()()
	src, ok := s.data.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(src), nil
}

func (s *MemoryStore) ListSources(ctx context.Context) ([]*models.Source, error) {
	defer s.lock()()
	var sources []*models.Source
	for _, src := range s.data.sources {
		sources = append(sources, copyOf(src))
	}
	slices.SortFunc(sources, func(a, b *models.Source) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), bytes.Compare(a.ID[:], b.ID[:]))
	})
	return sources, nil
}

// LockSource is a no-op: transactions already hold the store-wide lock.
func (s *MemoryStore) LockSource(ctx context.Context, id uuid.UUID) error {
	return nil
}

// --- Labels ---

func (s *MemoryStore) CreateLabelGroup(ctx context.Context, group *models.LabelGroup) error {
	defer s.lock()()
	if _, ok := s.data.groups[group.ID]; ok {
		return ErrDuplicateKey
	}
	s.data.groups[group.ID] = copyOf(group)
	return nil
}

func (s *MemoryStore) CreateLabel(ctx context.Context, label *models.Label) error {
	defer s.lock()()
	if _, ok := s.data.labels[label.ID]; ok {
		return ErrDuplicateKey
	}
	s.data.labels[label.ID] = copyOf(label)
	return nil
}

func (s *MemoryStore) AddLocalLabel(ctx context.Context, local *models.LocalLabel) error {
	defer s.lock()()
	key := localLabelKey{local.SourceID, local.LabelID}
	if _, ok := s.data.localLabels[key]; ok {
		return ErrDuplicateKey
	}
	s.data.localLabels[key] = copyOf(local)
	return nil
}

func (s *MemoryStore) ListSourceLabels(ctx context.Context, sourceID uuid.UUID) ([]*models.SourceLabel, error) {
	defer s.lock()()
	var out []*models.SourceLabel
	for key, ll := range s.data.localLabels {
		if key.sourceID != sourceID {
			continue
		}
		label, ok := s.data.labels[key.labelID]
		if !ok {
			continue
		}
		sl := &models.SourceLabel{LabelID: label.ID, Name: label.Name, Code: ll.Code}
		if g, ok := s.data.groups[label.GroupID]; ok {
			sl.GroupName = g.Name
		}
		out = append(out, sl)
	}
	slices.SortFunc(out, func(a, b *models.SourceLabel) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// --- Images ---

func (s *MemoryStore) CreateImage(ctx context.Context, image *models.Image) error {
	defer s.lock()()
	if _, ok := s.data.images[image.ID]; ok {
		return ErrDuplicateKey
	}
	s.data.images[image.ID] = copyOf(image)
	return nil
}

func (s *MemoryStore) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	defer s.lock()()
	img, ok := s.data.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(img), nil
}

func (s *MemoryStore) ListImages(ctx context.Context, filter ImageFilter) ([]*models.Image, error) {
	defer s.lock()()
	var images []*models.Image
	for _, img := range s.data.images {
		if img.SourceID != filter.SourceID {
			continue
		}
		if filter.Confirmed != nil && img.Confirmed != *filter.Confirmed {
			continue
		}
		if filter.Extracted != nil && img.FeaturesExtracted != *filter.Extracted {
			continue
		}
		if filter.Classified != nil && img.FeaturesClassified != *filter.Classified {
			continue
		}
		images = append(images, copyOf(img))
	}
	slices.SortFunc(images, func(a, b *models.Image) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), bytes.Compare(a.ID[:], b.ID[:]))
	})
	return images, nil
}

func (s *MemoryStore) UpdateImageFeatures(ctx context.Context, id uuid.UUID, update FeaturesUpdate) error {
	defer s.lock()()
	img, ok := s.data.images[id]
	if !ok {
		return ErrNotFound
	}
	if update.Extracted != nil {
		img.FeaturesExtracted = *update.Extracted
	}
	if update.Classified != nil {
		img.FeaturesClassified = *update.Classified
	}
	if update.ExtractedAt != nil {
		ts := *update.ExtractedAt
		img.FeaturesExtractedAt = &ts
	}
	return nil
}

func (s *MemoryStore) SetImageConfirmed(ctx context.Context, id uuid.UUID, confirmed bool) error {
	defer s.lock()()
	img, ok := s.data.images[id]
	if !ok {
		return ErrNotFound
	}
	img.Confirmed = confirmed
	return nil
}

func (s *MemoryStore) ResetSourceFeatures(ctx context.Context, sourceID uuid.UUID, extracted bool) error {
	defer s.lock()()
	for _, img := range s.data.images {
		if img.SourceID != sourceID {
			continue
		}
		img.FeaturesClassified = false
		if extracted {
			img.FeaturesExtracted = false
			img.FeaturesExtractedAt = nil
		}
	}
	return nil
}

// --- Points ---

func (s *MemoryStore) CreatePoint(ctx context.Context, point *models.Point) error {
	defer s.lock()()
	for _, p := range s.data.points {
		if p.ID == point.ID || (p.ImageID == point.ImageID && p.PointNumber == point.PointNumber) {
			return ErrDuplicateKey
		}
	}
	s.data.points[point.ID] = copyOf(point)
	return nil
}

func (s *MemoryStore) ListPoints(ctx context.Context, imageID uuid.UUID) ([]*models.Point, error) {
	defer s.lock()()
	var points []*models.Point
	for _, p := range s.data.points {
		if p.ImageID == imageID {
			points = append(points, copyOf(p))
		}
	}
	slices.SortFunc(points, func(a, b *models.Point) int { return cmp.Compare(a.PointNumber, b.PointNumber) })
	return points, nil
}

func (s *MemoryStore) DeletePoint(ctx context.Context, id uuid.UUID) error {
	defer s.lock()()
	if _, ok := s.data.points[id]; !ok {
		return ErrNotFound
	}
	delete(s.data.points, id)
	delete(s.data.annotations, id)
	for sid, sc := range s.data.scores {
		if sc.PointID == id {
			delete(s.data.scores, sid)
		}
	}
	return nil
}

func (s *MemoryStore) pointNumberLocked(pointID uuid.UUID) int {
	if p, ok := s.data.points[pointID]; ok {
		return p.PointNumber
	}
	return 0
}

// --- Annotations ---

func (s *MemoryStore) ListAnnotations(ctx context.Context, imageID uuid.UUID) ([]*models.Annotation, error) {
	defer s.lock()()
	var out []*models.Annotation
	for _, a := range s.data.annotations {
		if a.ImageID == imageID {
			out = append(out, copyOf(a))
		}
	}
	slices.SortFunc(out, func(a, b *models.Annotation) int {
		return cmp.Compare(s.pointNumberLocked(a.PointID), s.pointNumberLocked(b.PointID))
	})
	return out, nil
}

func (s *MemoryStore) SaveAnnotation(ctx context.Context, a *models.Annotation) error {
	defer s.lock()()
	saved := copyOf(a)
	if existing, ok := s.data.annotations[a.PointID]; ok {
		if existing.Confirmed() && !a.Confirmed() {
			return ErrAnnotationConfirmed
		}
		saved.ID = existing.ID
	}
	s.data.annotations[a.PointID] = saved
	return nil
}

func (s *MemoryStore) DeleteUnconfirmedAnnotations(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	defer s.lock()()
	var n int64
	for pid, a := range s.data.annotations {
		if a.SourceID == sourceID && !a.Confirmed() {
			delete(s.data.annotations, pid)
			n++
		}
	}
	return n, nil
}

// --- Scores ---

func (s *MemoryStore) ReplaceScores(ctx context.Context, imageID uuid.UUID, scores []*models.Score) error {
	defer s.lock()()
	for id, sc := range s.data.scores {
		if sc.ImageID == imageID {
			delete(s.data.scores, id)
		}
	}
	for _, sc := range scores {
		c := copyOf(sc)
		c.ImageID = imageID
		s.data.scores[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) ListScores(ctx context.Context, imageID uuid.UUID) ([]*models.Score, error) {
	defer s.lock()()
	var out []*models.Score
	for _, sc := range s.data.scores {
		if sc.ImageID == imageID {
			out = append(out, copyOf(sc))
		}
	}
	slices.SortFunc(out, func(a, b *models.Score) int {
		return cmp.Or(
			cmp.Compare(s.pointNumberLocked(a.PointID), s.pointNumberLocked(b.PointID)),
			cmp.Compare(b.Score, a.Score),
		)
	})
	return out, nil
}

func (s *MemoryStore) DeleteSourceScores(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	defer s.lock()()
	var n int64
	for id, sc := range s.data.scores {
		if sc.SourceID == sourceID {
			delete(s.data.scores, id)
			n++
		}
	}
	return n, nil
}

// --- Classifiers ---

func (s *MemoryStore) CreateClassifier(ctx context.Context, c *models.Classifier) error {
	defer s.lock()()
	if _, ok := s.data.classifiers[c.ID]; ok {
		return ErrDuplicateKey
	}
	if c.Valid {
		for _, other := range s.data.classifiers {
			if other.SourceID == c.SourceID && other.Valid {
				return ErrDuplicateKey
			}
		}
	}
	s.data.classifiers[c.ID] = copyOf(c)
	return nil
}

func (s *MemoryStore) GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error) {
	defer s.lock()()
	c, ok := s.data.classifiers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(c), nil
}

func (s *MemoryStore) ListClassifiers(ctx context.Context, sourceID uuid.UUID) ([]*models.Classifier, error) {
	defer s.lock()()
	var out []*models.Classifier
	for _, c := range s.data.classifiers {
		if c.SourceID == sourceID {
			out = append(out, copyOf(c))
		}
	}
	slices.SortFunc(out, func(a, b *models.Classifier) int {
		return cmp.Or(b.CreateDate.Compare(a.CreateDate), bytes.Compare(b.ID[:], a.ID[:]))
	})
	return out, nil
}

func (s *MemoryStore) GetValidClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error) {
	defer s.lock()()
	for _, c := range s.data.classifiers {
		if c.SourceID == sourceID && c.Valid {
			return copyOf(c), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateClassifier(ctx context.Context, c *models.Classifier) error {
	defer s.lock()()
	existing, ok := s.data.classifiers[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.ModifyDate = utcNow()
	existing.Status = c.Status
	existing.Accuracy = c.Accuracy
	existing.NbrTrainImages = c.NbrTrainImages
	existing.RuntimeTrainSecs = c.RuntimeTrainSecs
	existing.TrainJobID = c.TrainJobID
	existing.ValResult = c.ValResult
	existing.ModifyDate = c.ModifyDate
	return nil
}

func (s *MemoryStore) SetValidClassifier(ctx context.Context, sourceID, classifierID uuid.UUID) error {
	defer s.lock()()
	target, ok := s.data.classifiers[classifierID]
	if !ok || target.SourceID != sourceID {
		return ErrNotFound
	}
	ts := utcNow()
	for _, c := range s.data.classifiers {
		if c.SourceID == sourceID && c.Valid && c.ID != classifierID {
			c.Valid = false
			c.ModifyDate = ts
		}
	}
	target.Valid = true
	target.ModifyDate = ts
	return nil
}

func (s *MemoryStore) DeleteSourceClassifiers(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	defer s.lock()()
	var n int64
	for id, c := range s.data.classifiers {
		if c.SourceID == sourceID {
			delete(s.data.classifiers, id)
			n++
		}
	}
	return n, nil
}

// --- API jobs ---

func (s *MemoryStore) CreateApiJob(ctx context.Context, job *models.ApiJob) error {
	defer s.lock()()
	if _, ok := s.data.apiJobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.data.apiJobs[job.ID] = copyOf(job)
	return nil
}

func (s *MemoryStore) GetApiJob(ctx context.Context, id uuid.UUID) (*models.ApiJob, error) {
	defer s.lock()()
	j, ok := s.data.apiJobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(j), nil
}

func (s *MemoryStore) ListApiJobs(ctx context.Context, limit int) ([]*models.ApiJob, error) {
	defer s.lock()()
	var out []*models.ApiJob
	for _, j := range s.data.apiJobs {
		out = append(out, copyOf(j))
	}
	slices.SortFunc(out, func(a, b *models.ApiJob) int {
		return cmp.Or(b.CreateDate.Compare(a.CreateDate), bytes.Compare(b.ID[:], a.ID[:]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateApiJobUnit(ctx context.Context, unit *models.ApiJobUnit) error {
	defer s.lock()()
	for _, u := range s.data.units {
		if u.ID == unit.ID || (u.ParentID == unit.ParentID && u.OrderInParent == unit.OrderInParent) {
			return ErrDuplicateKey
		}
	}
	c := copyOf(unit)
	c.InternalStatus = ""
	c.InternalMessage = nil
	s.data.units[unit.ID] = c
	return nil
}

func (s *MemoryStore) withInternalJobLocked(u *models.ApiJobUnit) *models.ApiJobUnit {
	c := copyOf(u)
	if c.InternalJobID == nil {
		return c
	}
	if j, ok := s.data.jobs[*c.InternalJobID]; ok {
		c.InternalStatus = j.Status
		c.InternalMessage = j.ResultMessage
	}
	return c
}

func (s *MemoryStore) GetApiJobUnit(ctx context.Context, id uuid.UUID) (*models.ApiJobUnit, error) {
	defer s.lock()()
	u, ok := s.data.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.withInternalJobLocked(u), nil
}

func (s *MemoryStore) ListApiJobUnits(ctx context.Context, apiJobID uuid.UUID) ([]*models.ApiJobUnit, error) {
	defer s.lock()()
	var out []*models.ApiJobUnit
	for _, u := range s.data.units {
		if u.ParentID == apiJobID {
			out = append(out, s.withInternalJobLocked(u))
		}
	}
	slices.SortFunc(out, func(a, b *models.ApiJobUnit) int { return cmp.Compare(a.OrderInParent, b.OrderInParent) })
	return out, nil
}

func (s *MemoryStore) SetApiJobUnitResult(ctx context.Context, id uuid.UUID, result []byte) error {
	defer s.lock()()
	u, ok := s.data.units[id]
	if !ok {
		return ErrNotFound
	}
	u.ResultJSON = slices.Clone(result)
	u.ModifyDate = utcNow()
	return nil
}

func (s *MemoryStore) DeleteOldApiJobs(ctx context.Context, before time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, j := range s.data.apiJobs {
		if !j.CreateDate.Before(before) {
			continue
		}
		recent := false
		for _, u := range s.data.units {
			if u.ParentID == id && !u.ModifyDate.Before(before) {
				recent = true
				break
			}
		}
		if recent {
			continue
		}
		delete(s.data.apiJobs, id)
		for uid, u := range s.data.units {
			if u.ParentID == id {
				delete(s.data.units, uid)
			}
		}
		n++
	}
	return n, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
