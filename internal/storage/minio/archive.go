// Package minio はアップロードされたスプレッドシート原本をオブジェクトストレージに保存する。
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hitoshi/sheetlens/internal/model"
)

// objectAPI はテストでモックに差し替えるための *minio.Client のサブセット。
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type clientWrapper struct{ c *minio.Client }

func (w clientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return w.c.BucketExists(ctx, bucketName)
}
func (w clientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return w.c.MakeBucket(ctx, bucketName, opts)
}
func (w clientWrapper) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.c.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}
func (w clientWrapper) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := w.c.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}
func (w clientWrapper) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return w.c.RemoveObject(ctx, bucketName, objectName, opts)
}
func (w clientWrapper) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return w.c.ListObjects(ctx, bucketName, opts)
}

// Config はオブジェクトストレージの接続設定。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive はスプレッドシート原本の保存先。
type Archive struct {
	api    objectAPI
	bucket string
}

// NewArchive はcfgで接続し、バケットがなければ作成する。
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return newArchiveWithAPI(ctx, clientWrapper{c: client}, cfg.Bucket)
}

func newArchiveWithAPI(ctx context.Context, api objectAPI, bucket string) (*Archive, error) {
	a := &Archive{api: api, bucket: bucket}

	exists, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return a, nil
}

// Put は原本をkeyで保存する。
func (a *Archive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.api.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Open はkeyの原本を読み出す。呼び出し元がCloseすること。
func (a *Archive) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := a.api.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// Delete はkeyの原本を削除する。
func (a *Archive) Delete(ctx context.Context, key string) error {
	if err := a.api.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List はバケット内の全原本を返す。
func (a *Archive) List(ctx context.Context) ([]model.SourceObject, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []model.SourceObject
	for obj := range a.api.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		objects = append(objects, model.SourceObject{Key: obj.Key, LastModified: obj.LastModified})
	}
	return objects, nil
}
