package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// inTransaction runs fn in the current transaction, or a new one if there is
// none.
func (s *PostgresStore) inTransaction(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if s.inTx {
		return fn(s)
	}
	_, err := Transact(ctx, s, func(tx *PostgresStore) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// --- Sources ---

func (s *PostgresStore) CreateSource(ctx context.Context, source *models.Source) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sources (id, name, enable_robot_classifier, feature_extractor, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		source.ID, source.Name, source.EnableRobotClassifier, source.FeatureExtractor,
		source.CreatedAt, source.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	err := s.db.QueryRow(ctx,
		`SELECT id, name, enable_robot_classifier, feature_extractor, created_at, updated_at
		 FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.EnableRobotClassifier, &src.FeatureExtractor, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]*models.Source, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, enable_robot_classifier, feature_extractor, created_at, updated_at
		 FROM sources ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		var src models.Source
		if err := rows.Scan(&src.ID, &src.Name, &src.EnableRobotClassifier, &src.FeatureExtractor,
			&src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

func (s *PostgresStore) LockSource(ctx context.Context, id uuid.UUID) error {
	if !s.inTx {
		return nil
	}
	if _, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, id.String()); err != nil {
		return fmt.Errorf("lock source: %w", err)
	}
	return nil
}

// --- Labels ---

func (s *PostgresStore) CreateLabelGroup(ctx context.Context, group *models.LabelGroup) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO label_groups (id, name, code) VALUES ($1, $2, $3)`,
		group.ID, group.Name, group.Code)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create label group: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateLabel(ctx context.Context, label *models.Label) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO labels (id, name, default_code, group_id) VALUES ($1, $2, $3, $4)`,
		label.ID, label.Name, label.DefaultCode, label.GroupID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create label: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddLocalLabel(ctx context.Context, local *models.LocalLabel) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO local_labels (source_id, label_id, code) VALUES ($1, $2, $3)`,
		local.SourceID, local.LabelID, local.Code)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("add local label: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSourceLabels(ctx context.Context, sourceID uuid.UUID) ([]*models.SourceLabel, error) {
	rows, err := s.db.Query(ctx,
		`SELECT l.id, l.name, ll.code, g.name
		 FROM local_labels ll
		 JOIN labels l ON l.id = ll.label_id
		 JOIN label_groups g ON g.id = l.group_id
		 WHERE ll.source_id = $1
		 ORDER BY l.name ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list source labels: %w", err)
	}
	defer rows.Close()

	var labels []*models.SourceLabel
	for rows.Next() {
		var sl models.SourceLabel
		if err := rows.Scan(&sl.LabelID, &sl.Name, &sl.Code, &sl.GroupName); err != nil {
			return nil, fmt.Errorf("scan source label: %w", err)
		}
		labels = append(labels, &sl)
	}
	return labels, rows.Err()
}

// --- Images ---

const imageColumns = `id, source_id, name, width, height, confirmed, features_extracted,
	features_classified, features_extracted_at, created_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.SourceID, &img.Name, &img.Width, &img.Height, &img.Confirmed,
		&img.FeaturesExtracted, &img.FeaturesClassified, &img.FeaturesExtractedAt, &img.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, image *models.Image) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO images (`+imageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		image.ID, image.SourceID, image.Name, image.Width, image.Height, image.Confirmed,
		image.FeaturesExtracted, image.FeaturesClassified, image.FeaturesExtractedAt, image.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := scanImage(s.db.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) ListImages(ctx context.Context, filter ImageFilter) ([]*models.Image, error) {
	conditions := []string{"source_id = $1"}
	args := []any{filter.SourceID}
	argIdx := 2

	for col, val := range map[string]*bool{
		"confirmed":           filter.Confirmed,
		"features_extracted":  filter.Extracted,
		"features_classified": filter.Classified,
	} {
		if val == nil {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, *val)
		argIdx++
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *PostgresStore) UpdateImageFeatures(ctx context.Context, id uuid.UUID, update FeaturesUpdate) error {
	sets := []string{}
	args := []any{id}
	argIdx := 2

	if update.Extracted != nil {
		sets = append(sets, fmt.Sprintf("features_extracted = $%d", argIdx))
		args = append(args, *update.Extracted)
		argIdx++
	}
	if update.Classified != nil {
		sets = append(sets, fmt.Sprintf("features_classified = $%d", argIdx))
		args = append(args, *update.Classified)
		argIdx++
	}
	if update.ExtractedAt != nil {
		sets = append(sets, fmt.Sprintf("features_extracted_at = $%d", argIdx))
		args = append(args, *update.ExtractedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	tag, err := s.db.Exec(ctx, `UPDATE images SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update image features: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetImageConfirmed(ctx context.Context, id uuid.UUID, confirmed bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE images SET confirmed = $2 WHERE id = $1`, id, confirmed)
	if err != nil {
		return fmt.Errorf("set image confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetSourceFeatures(ctx context.Context, sourceID uuid.UUID, extracted bool) error {
	query := `UPDATE images SET features_classified = FALSE`
	if extracted {
		query += `, features_extracted = FALSE, features_extracted_at = NULL`
	}
	if _, err := s.db.Exec(ctx, query+` WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("reset source features: %w", err)
	}
	return nil
}

// --- Points ---

func (s *PostgresStore) CreatePoint(ctx context.Context, point *models.Point) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO points (id, image_id, point_number, point_row, point_col) VALUES ($1, $2, $3, $4, $5)`,
		point.ID, point.ImageID, point.PointNumber, point.Row, point.Column)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create point: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPoints(ctx context.Context, imageID uuid.UUID) ([]*models.Point, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, image_id, point_number, point_row, point_col
		 FROM points WHERE image_id = $1 ORDER BY point_number ASC`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	defer rows.Close()

	var points []*models.Point
	for rows.Next() {
		var p models.Point
		if err := rows.Scan(&p.ID, &p.ImageID, &p.PointNumber, &p.Row, &p.Column); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

// DeletePoint removes the point; its annotation and scores go with it.
func (s *PostgresStore) DeletePoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM points WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete point: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Annotations ---

func (s *PostgresStore) ListAnnotations(ctx context.Context, imageID uuid.UUID) ([]*models.Annotation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT a.id, a.point_id, a.image_id, a.source_id, a.label_id, a.user_name, a.robot_version_id, a.annotation_date
		 FROM annotations a JOIN points p ON p.id = a.point_id
		 WHERE a.image_id = $1 ORDER BY p.point_number ASC`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var annotations []*models.Annotation
	for rows.Next() {
		var a models.Annotation
		if err := rows.Scan(&a.ID, &a.PointID, &a.ImageID, &a.SourceID, &a.LabelID, &a.UserName,
			&a.RobotVersionID, &a.AnnotationDate); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, &a)
	}
	return annotations, rows.Err()
}

func (s *PostgresStore) SaveAnnotation(ctx context.Context, a *models.Annotation) error {
	query := `INSERT INTO annotations (id, point_id, image_id, source_id, label_id, user_name, robot_version_id, annotation_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (point_id) DO UPDATE SET
		   label_id = EXCLUDED.label_id,
		   user_name = EXCLUDED.user_name,
		   robot_version_id = EXCLUDED.robot_version_id,
		   annotation_date = EXCLUDED.annotation_date`
	if !a.Confirmed() {
		query += ` WHERE annotations.robot_version_id IS NOT NULL`
	}
	tag, err := s.db.Exec(ctx, query,
		a.ID, a.PointID, a.ImageID, a.SourceID, a.LabelID, a.UserName, a.RobotVersionID, a.AnnotationDate)
	if err != nil {
		return fmt.Errorf("save annotation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAnnotationConfirmed
	}
	return nil
}

func (s *PostgresStore) DeleteUnconfirmedAnnotations(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM annotations WHERE source_id = $1 AND robot_version_id IS NOT NULL`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete unconfirmed annotations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Scores ---

func (s *PostgresStore) ReplaceScores(ctx context.Context, imageID uuid.UUID, scores []*models.Score) error {
	return s.inTransaction(ctx, func(tx *PostgresStore) error {
		if _, err := tx.db.Exec(ctx, `DELETE FROM scores WHERE image_id = $1`, imageID); err != nil {
			return fmt.Errorf("delete scores: %w", err)
		}
		for _, sc := range scores {
			if _, err := tx.db.Exec(ctx,
				`INSERT INTO scores (id, point_id, image_id, source_id, label_id, label_code, score)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				sc.ID, sc.PointID, imageID, sc.SourceID, sc.LabelID, sc.LabelCode, sc.Score); err != nil {
				return fmt.Errorf("insert score: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListScores(ctx context.Context, imageID uuid.UUID) ([]*models.Score, error) {
	rows, err := s.db.Query(ctx,
		`SELECT s.id, s.point_id, s.image_id, s.source_id, s.label_id, s.label_code, s.score
		 FROM scores s JOIN points p ON p.id = s.point_id
		 WHERE s.image_id = $1 ORDER BY p.point_number ASC, s.score DESC`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var scores []*models.Score
	for rows.Next() {
		var sc models.Score
		if err := rows.Scan(&sc.ID, &sc.PointID, &sc.ImageID, &sc.SourceID, &sc.LabelID,
			&sc.LabelCode, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores = append(scores, &sc)
	}
	return scores, rows.Err()
}

func (s *PostgresStore) DeleteSourceScores(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM scores WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete source scores: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Classifiers ---

const classifierColumns = `id, source_id, status, valid, accuracy, nbr_train_images, runtime_train_secs,
	train_job_id, valresult, create_date, modify_date`

func scanClassifier(row pgx.Row) (*models.Classifier, error) {
	var c models.Classifier
	var valResult []byte
	err := row.Scan(&c.ID, &c.SourceID, &c.Status, &c.Valid, &c.Accuracy, &c.NbrTrainImages,
		&c.RuntimeTrainSecs, &c.TrainJobID, &valResult, &c.CreateDate, &c.ModifyDate)
	if err != nil {
		return nil, err
	}
	if len(valResult) > 0 {
		c.ValResult = &models.ValResult{}
		if err := json.Unmarshal(valResult, c.ValResult); err != nil {
			return nil, fmt.Errorf("decode valresult: %w", err)
		}
	}
	return &c, nil
}

func encodeValResult(vr *models.ValResult) ([]byte, error) {
	if vr == nil {
		return nil, nil
	}
	return json.Marshal(vr)
}

func (s *PostgresStore) CreateClassifier(ctx context.Context, c *models.Classifier) error {
	valResult, err := encodeValResult(c.ValResult)
	if err != nil {
		return fmt.Errorf("encode valresult: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO classifiers (`+classifierColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.SourceID, c.Status, c.Valid, c.Accuracy, c.NbrTrainImages, c.RuntimeTrainSecs,
		c.TrainJobID, valResult, c.CreateDate, c.ModifyDate)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create classifier: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error) {
	c, err := scanClassifier(s.db.QueryRow(ctx, `SELECT `+classifierColumns+` FROM classifiers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get classifier: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListClassifiers(ctx context.Context, sourceID uuid.UUID) ([]*models.Classifier, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+classifierColumns+` FROM classifiers WHERE source_id = $1 ORDER BY create_date DESC, id DESC`,
		sourceID)
	if err != nil {
		return nil, fmt.Errorf("list classifiers: %w", err)
	}
	defer rows.Close()

	var classifiers []*models.Classifier
	for rows.Next() {
		c, err := scanClassifier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan classifier: %w", err)
		}
		classifiers = append(classifiers, c)
	}
	return classifiers, rows.Err()
}

func (s *PostgresStore) GetValidClassifier(ctx context.Context, sourceID uuid.UUID) (*models.Classifier, error) {
	c, err := scanClassifier(s.db.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers WHERE source_id = $1 AND valid`, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get valid classifier: %w", err)
	}
	return c, nil
}

// UpdateClassifier writes the training outcome fields. Validity is changed
// only through SetValidClassifier.
func (s *PostgresStore) UpdateClassifier(ctx context.Context, c *models.Classifier) error {
	valResult, err := encodeValResult(c.ValResult)
	if err != nil {
		return fmt.Errorf("encode valresult: %w", err)
	}
	c.ModifyDate = utcNow()
	tag, err := s.db.Exec(ctx,
		`UPDATE classifiers SET status = $2, accuracy = $3, nbr_train_images = $4,
		   runtime_train_secs = $5, train_job_id = $6, valresult = $7, modify_date = $8
		 WHERE id = $1`,
		c.ID, c.Status, c.Accuracy, c.NbrTrainImages, c.RuntimeTrainSecs, c.TrainJobID, valResult, c.ModifyDate)
	if err != nil {
		return fmt.Errorf("update classifier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetValidClassifier(ctx context.Context, sourceID, classifierID uuid.UUID) error {
	return s.inTransaction(ctx, func(tx *PostgresStore) error {
		ts := utcNow()
		// Clear first; the partial unique index rejects two valid rows.
		if _, err := tx.db.Exec(ctx,
			`UPDATE classifiers SET valid = FALSE, modify_date = $3
			 WHERE source_id = $1 AND id <> $2 AND valid`, sourceID, classifierID, ts); err != nil {
			return fmt.Errorf("invalidate classifiers: %w", err)
		}
		tag, err := tx.db.Exec(ctx,
			`UPDATE classifiers SET valid = TRUE, modify_date = $3 WHERE source_id = $1 AND id = $2`,
			sourceID, classifierID, ts)
		if err != nil {
			return fmt.Errorf("validate classifier: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteSourceClassifiers removes all classifiers of the source. Robot
// annotations reference classifiers, so they must be deleted first.
func (s *PostgresStore) DeleteSourceClassifiers(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM classifiers WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete source classifiers: %w", err)
	}
	return tag.RowsAffected(), nil
}
