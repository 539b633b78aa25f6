package gateway

import (
	"context"
	"fmt"

	"controlsync/internal/domain/terminal"
)

// UploadPhoto загружает одну фотографию. Отказ по качеству или дубликату
// возвращается как Rejected вместе с исходом.
func (s *Service) UploadPhoto(ctx context.Context, t *terminal.Terminal, item terminal.PhotoItem, match bool) (terminal.PhotoResult, error) {
	const op = "user_set_image"
	if err := terminal.ValidatePhoto(item.Image); err != nil {
		return terminal.PhotoResult{}, terminal.Fatal(op, err)
	}
	res, err := do(ctx, s, t, op, func(ctx context.Context, token string) (terminal.PhotoResult, error) {
		return s.transport.SetImage(ctx, t, token, item, match)
	})
	if err != nil {
		return res, err
	}
	return res, res.Err(op)
}

// UploadPhotoBatch загружает пакет. Ошибка возвращается только для пакета целиком,
// отказы отдельных элементов приходят в исходах в порядке запроса.
func (s *Service) UploadPhotoBatch(ctx context.Context, t *terminal.Terminal, items []terminal.PhotoItem, match bool) ([]terminal.PhotoResult, error) {
	const op = "user_set_image_list"
	if len(items) == 0 {
		return nil, nil
	}
	for _, it := range items {
		if err := terminal.ValidatePhoto(it.Image); err != nil {
			return nil, terminal.Fatal(op, fmt.Errorf("user %d: %w", it.UserID, err))
		}
	}
	if size := terminal.BatchSize(items); size > terminal.MaxBatchBytes {
		return nil, terminal.Fatal(op, fmt.Errorf("%w: %d bytes", terminal.ErrBatchTooLarge, size))
	}

	results, err := do(ctx, s, t, op, func(ctx context.Context, token string) ([]terminal.PhotoResult, error) {
		return s.transport.SetImageList(ctx, t, token, items, match)
	})
	if err != nil {
		return nil, err
	}
	if len(results) != len(items) {
		return nil, terminal.Fatal(op, fmt.Errorf("terminal returned %d results for %d items", len(results), len(items)))
	}
	return results, nil
}

func (s *Service) ListPhotoOwners(ctx context.Context, t *terminal.Terminal) ([]terminal.PhotoOwner, error) {
	return do(ctx, s, t, "user_list_images", func(ctx context.Context, token string) ([]terminal.PhotoOwner, error) {
		return s.transport.ListImages(ctx, t, token)
	})
}

// FetchPhotos выгружает фотографии порциями не более 100. Пустой список - все владельцы.
func (s *Service) FetchPhotos(ctx context.Context, t *terminal.Terminal, userIDs []int64) ([]terminal.StoredPhoto, error) {
	if len(userIDs) == 0 {
		owners, err := s.ListPhotoOwners(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, o := range owners {
			userIDs = append(userIDs, o.UserID)
		}
	}

	var photos []terminal.StoredPhoto
	for _, chunk := range chunks(userIDs, terminal.MaxFetchPhotos) {
		batch, err := do(ctx, s, t, "user_get_image_list", func(ctx context.Context, token string) ([]terminal.StoredPhoto, error) {
			return s.transport.GetImageList(ctx, t, token, chunk)
		})
		if err != nil {
			return nil, err
		}
		photos = append(photos, batch...)
	}
	return photos, nil
}

// DeletePhotos удаляет фотографии. Orphaned удаляет фото владельцев, которых нет среди пользователей.
func (s *Service) DeletePhotos(ctx context.Context, t *terminal.Terminal, d terminal.PhotoDeletion) error {
	if d.Orphaned {
		orphans, err := s.orphanedOwners(ctx, t)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			return nil
		}
		d = terminal.PhotoDeletion{UserIDs: orphans}
	}

	_, err := do(ctx, s, t, "user_destroy_image", func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, s.transport.DestroyImages(ctx, t, token, d)
	})
	return err
}

func (s *Service) orphanedOwners(ctx context.Context, t *terminal.Terminal) ([]int64, error) {
	owners, err := s.ListPhotoOwners(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		return nil, nil
	}

	users, err := s.LoadAll(ctx, t, terminal.LoadRequest{Object: terminal.ObjectUsers, Fields: []string{"id"}})
	if err != nil {
		return nil, err
	}
	known := make(map[int64]struct{}, len(users))
	for _, u := range users {
		if id, ok := u.Int64("id"); ok {
			known[id] = struct{}{}
		}
	}

	var orphans []int64
	for _, o := range owners {
		if _, ok := known[o.UserID]; !ok {
			orphans = append(orphans, o.UserID)
		}
	}
	return orphans, nil
}

func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
